package sentry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
	"github.com/protomaps/go-pmtiles/pmtiles"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// ============================================================================
// Tile sources
// ============================================================================

const (
	// SatelliteTileURL serves imagery while online.
	SatelliteTileURL = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"
	// LightTileURL is the light street basemap.
	LightTileURL = "https://cartodb-basemaps-b.global.ssl.fastly.net/light_all/{z}/{x}/{y}.png"
	// OfflineGrayTile is a plain gray 256px tile shown when nothing better is available.
	OfflineGrayTile = "data:image/svg+xml;base64,PHN2ZyB3aWR0aD0iMjU2IiBoZWlnaHQ9IjI1NiIgeG1sbnM9Imh0dHA6Ly93d3cudzMub3JnLzIwMDAvc3ZnIj48cmVjdCB3aWR0aD0iMjU2IiBoZWlnaHQ9IjI1NiIgZmlsbD0iIzQwNDQzOCIvPjwvc3ZnPg=="

	tileCachePrefix = "satellite_cache:"
	tileIndexKey    = "satellite_cache_index"
	regionsKey      = "offline_tiles"

	// DefaultTileCacheSize bounds the persistent tile cache; the oldest tile is evicted first.
	DefaultTileCacheSize = 500

	tileSize      = 256
	defaultCity   = "bengaluru"
	regionPadding = 0.05
)

// Coordinates is a bare latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var cityCenters = map[string]Coordinates{
	"bengaluru": {Lat: 12.9716, Lng: 77.5946},
	"delhi":     {Lat: 28.7041, Lng: 77.1025},
	"mumbai":    {Lat: 19.0760, Lng: 72.8777},
	"hyderabad": {Lat: 17.3850, Lng: 78.4867},
}

// TileProvider describes where map tiles come from right now.
type TileProvider struct {
	URLTemplate string `json:"urlTemplate,omitempty"`
	Attribution string `json:"attribution"`
	TileSize    int    `json:"tileSize"`
	MaxZoom     int    `json:"maxZoom"`
	Offline     bool   `json:"isOffline"`
}

// MapStatus summarizes the offline map state.
type MapStatus struct {
	Online      bool         `json:"isOnline"`
	CurrentCity string       `json:"currentCity"`
	CachedTiles int          `json:"cachedTiles"`
	MaxCache    int          `json:"maxCache"`
	Provider    TileProvider `json:"mapProvider"`
}

// CoordinateFormats is one position rendered three ways.
type CoordinateFormats struct {
	Decimal string `json:"decimal"`
	DMS     string `json:"dms"`
	Short   string `json:"short"`
}

// MapsOptions configures OfflineMaps.
type MapsOptions struct {
	// CacheSize defaults to DefaultTileCacheSize.
	CacheSize int
	// Archive is an optional local or remote .pmtiles file used as an offline tile source.
	Archive string
	// ArchiveFormat is the tile extension stored in Archive ("png", "jpg", "webp" or "mvt").
	ArchiveFormat string
}

// ============================================================================
// OfflineMaps
// ============================================================================

// OfflineMaps serves map tiles with or without connectivity: cached tiles
// first, then an optional PMTiles archive, then a generated placeholder.
type OfflineMaps struct {
	storage  Storage
	network  *NetworkStatus
	logger   *zap.Logger
	capacity int

	archive       *pmtiles.Server
	tileset       string
	archiveFormat string

	mu          sync.Mutex
	index       []string
	indexLoaded bool
	currentCity string
}

// NewOfflineMaps creates the map service. network decides between online
// imagery and offline tiles; an unknown state counts as online.
func NewOfflineMaps(storage Storage, network *NetworkStatus, logger *zap.Logger, opts *MapsOptions) (*OfflineMaps, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &OfflineMaps{
		storage:     storage,
		network:     network,
		logger:      logger.Named("maps"),
		capacity:    DefaultTileCacheSize,
		currentCity: defaultCity,
	}
	if opts == nil {
		return m, nil
	}
	if opts.CacheSize > 0 {
		m.capacity = opts.CacheSize
	}
	if opts.Archive != "" {
		bucket, tileset := archiveBucket(opts.Archive)
		server, err := pmtiles.NewServer(bucket, "", log.New(io.Discard, "", 0), 64, "")
		if err != nil {
			return nil, errors.Wrap(err, "open pmtiles archive")
		}
		server.Start()
		m.archive = server
		m.tileset = tileset
		m.archiveFormat = opts.ArchiveFormat
		if m.archiveFormat == "" {
			m.archiveFormat = "png"
		}
		m.logger.Info("offline tile archive attached", zap.String("archive", opts.Archive))
	}
	return m, nil
}

// archiveBucket splits an archive path into the bucket the pmtiles server
// reads from and the tileset name it serves.
func archiveBucket(source string) (bucket, tileset string) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		i := strings.LastIndex(source, "/")
		return source[:i], strings.TrimSuffix(source[i+1:], ".pmtiles")
	}
	path := strings.TrimPrefix(source, "file://")
	return "file://" + filepath.Dir(path), strings.TrimSuffix(filepath.Base(path), ".pmtiles")
}

func (m *OfflineMaps) online() bool {
	return m.network == nil || !m.network.Offline()
}

// TileURL returns the imagery URL template, or the gray placeholder when offline.
func (m *OfflineMaps) TileURL(offline bool) string {
	if !offline && m.online() {
		return SatelliteTileURL
	}
	return OfflineGrayTile
}

// Provider describes the tile source to use.
func (m *OfflineMaps) Provider(offline bool) TileProvider {
	if !offline && m.online() {
		return TileProvider{
			URLTemplate: SatelliteTileURL,
			Attribution: "© Esri, DigitalGlobe, Earthstar Geographics",
			TileSize:    tileSize,
			MaxZoom:     18,
		}
	}
	return TileProvider{
		Attribution: "Offline Map • GPS Location",
		TileSize:    tileSize,
		MaxZoom:     16,
		Offline:     true,
	}
}

var offlineTileColors = [...]string{"#3d4d3d", "#4a4a4a", "#424242", "#5a5a5a", "#454545"}

// OfflineTileSVG draws a gridded placeholder tile; its shade varies with the tile position.
func OfflineTileSVG(z, x, y int) string {
	const grid = 32
	var b strings.Builder
	fmt.Fprintf(&b, `<svg width="%d" height="%d" xmlns="http://www.w3.org/2000/svg">`, tileSize, tileSize)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="%s"/>`, tileSize, tileSize, offlineTileColors[(x+y+z)%len(offlineTileColors)])
	for i := 0; i <= tileSize; i += grid {
		fmt.Fprintf(&b, `<line x1="0" y1="%d" x2="%d" y2="%d" stroke="#666" stroke-width="0.5" opacity="0.3"/>`, i, tileSize, i)
		fmt.Fprintf(&b, `<line x1="%d" y1="0" x2="%d" y2="%d" stroke="#666" stroke-width="0.5" opacity="0.3"/>`, i, i, tileSize)
	}
	fmt.Fprintf(&b, `<text x="12" y="24" fill="#888" font-size="12" opacity="0.5">z%d</text></svg>`, z)
	return b.String()
}

// OfflineTileDataURL returns OfflineTileSVG as a data URL.
func OfflineTileDataURL(z, x, y int) string {
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(OfflineTileSVG(z, x, y)))
}

// ── Tile cache ──────────────────────────────────────────

func tileCacheKey(z, x, y int) string {
	return fmt.Sprintf("%s%d:%d:%d", tileCachePrefix, z, x, y)
}

func (m *OfflineMaps) loadIndex(ctx context.Context) error {
	if m.indexLoaded {
		return nil
	}
	raw, ok, err := m.storage.Get(ctx, tileIndexKey)
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(raw, &m.index); err != nil {
			m.logger.Warn("tile index unreadable, rebuilding", zap.Error(err))
			m.index = nil
		}
	}
	if m.index == nil {
		keys, err := m.storage.Keys(ctx, tileCachePrefix)
		if err != nil {
			return err
		}
		m.index = keys
	}
	m.indexLoaded = true
	return nil
}

func (m *OfflineMaps) saveIndex(ctx context.Context) error {
	raw, err := json.Marshal(m.index)
	if err != nil {
		return err
	}
	return m.storage.Set(ctx, tileIndexKey, raw)
}

// CacheTile stores a tile, evicting the oldest cached tiles beyond capacity.
func (m *OfflineMaps) CacheTile(ctx context.Context, z, x, y int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheTileLocked(ctx, z, x, y, data)
}

func (m *OfflineMaps) cacheTileLocked(ctx context.Context, z, x, y int, data []byte) error {
	if err := m.loadIndex(ctx); err != nil {
		return errors.Wrap(err, "load tile index")
	}
	key := tileCacheKey(z, x, y)
	if err := m.storage.Set(ctx, key, data); err != nil {
		return errors.Wrap(err, "store tile")
	}

	for i, k := range m.index {
		if k == key {
			m.index = append(m.index[:i], m.index[i+1:]...)
			break
		}
	}
	m.index = append(m.index, key)
	for len(m.index) > m.capacity {
		oldest := m.index[0]
		m.index = m.index[1:]
		if err := m.storage.Delete(ctx, oldest); err != nil {
			m.logger.Warn("could not evict tile", zap.String("key", oldest), zap.Error(err))
		}
	}
	return m.saveIndex(ctx)
}

// CachedTile returns a previously cached tile.
func (m *OfflineMaps) CachedTile(ctx context.Context, z, x, y int) ([]byte, bool, error) {
	return m.storage.Get(ctx, tileCacheKey(z, x, y))
}

// Tile returns the best available tile and its content type: the cache,
// then the archive (caching what it finds), then a generated placeholder.
func (m *OfflineMaps) Tile(ctx context.Context, z, x, y int) ([]byte, string, error) {
	data, ok, err := m.CachedTile(ctx, z, x, y)
	if err != nil {
		m.logger.Warn("tile cache read failed", zap.Error(err))
	}
	if ok {
		return data, http.DetectContentType(data), nil
	}

	if m.archive != nil {
		data, err := m.archiveTile(ctx, z, x, y)
		if err == nil {
			if cerr := m.CacheTile(ctx, z, x, y, data); cerr != nil {
				m.logger.Warn("could not cache archive tile", zap.Error(cerr))
			}
			return data, http.DetectContentType(data), nil
		}
		m.logger.Debug("archive miss", zap.Int("z", z), zap.Int("x", x), zap.Int("y", y), zap.Error(err))
	}

	return []byte(OfflineTileSVG(z, x, y)), "image/svg+xml", nil
}

func (m *OfflineMaps) archiveTile(ctx context.Context, z, x, y int) ([]byte, error) {
	status, _, data := m.archive.Get(ctx, fmt.Sprintf("/%s/%d/%d/%d.%s", m.tileset, z, x, y, m.archiveFormat))
	if status == http.StatusNotFound || status == http.StatusNoContent {
		return nil, errors.New("tile not found")
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("unexpected status code: %d", status)
	}
	return data, nil
}

// ClearCache removes every cached tile. Registered regions are kept.
func (m *OfflineMaps) ClearCache(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.storage.Keys(ctx, tileCachePrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.storage.Delete(ctx, k); err != nil {
			return errors.Wrapf(err, "delete %s", k)
		}
	}
	m.index = []string{}
	m.indexLoaded = true
	return m.saveIndex(ctx)
}

// ── Regions ──────────────────────────────────────────

// CityCenter returns the center of a known city, or of the default city.
func CityCenter(city string) Coordinates {
	if c, ok := cityCenters[strings.ToLower(city)]; ok {
		return c
	}
	return cityCenters[defaultCity]
}

// PreCacheRegion registers city for offline use and makes it current. With an
// archive attached, tiles around the city center at zoom are copied into the cache.
// It reports false for cities it has no center for.
func (m *OfflineMaps) PreCacheRegion(ctx context.Context, city string, zoom int) (bool, error) {
	city = strings.ToLower(city)
	center, ok := cityCenters[city]
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	regions, err := m.regions(ctx)
	if err != nil {
		return false, err
	}
	if !contains(regions, city) {
		regions = append(regions, city)
		raw, err := json.Marshal(regions)
		if err != nil {
			return false, err
		}
		if err := m.storage.Set(ctx, regionsKey, raw); err != nil {
			return false, errors.Wrap(err, "save regions")
		}
	}
	m.currentCity = city

	if m.archive == nil {
		return true, nil
	}
	copied := 0
	for _, t := range tilesAround(center, regionPadding, maptile.Zoom(zoom)) {
		if copied >= m.capacity {
			break
		}
		data, err := m.archiveTile(ctx, int(t.Z), int(t.X), int(t.Y))
		if err != nil {
			continue
		}
		if err := m.cacheTileLocked(ctx, int(t.Z), int(t.X), int(t.Y), data); err != nil {
			return true, err
		}
		copied++
	}
	m.logger.Info("region cached", zap.String("city", city), zap.Int("zoom", zoom), zap.Int("tiles", copied))
	return true, nil
}

// RegionCached reports whether city was registered with PreCacheRegion.
func (m *OfflineMaps) RegionCached(ctx context.Context, city string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regions, err := m.regions(ctx)
	if err != nil {
		return false, err
	}
	return contains(regions, strings.ToLower(city)), nil
}

func (m *OfflineMaps) regions(ctx context.Context) ([]string, error) {
	raw, ok, err := m.storage.Get(ctx, regionsKey)
	if err != nil || !ok {
		return nil, err
	}
	var regions []string
	if err := json.Unmarshal(raw, &regions); err != nil {
		m.logger.Warn("region registry unreadable, starting over", zap.Error(err))
		return nil, nil
	}
	return regions, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Status summarizes connectivity, the current city and the cache fill.
func (m *OfflineMaps) Status(ctx context.Context) MapStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadIndex(ctx); err != nil {
		m.logger.Warn("load tile index", zap.Error(err))
	}
	online := m.online()
	return MapStatus{
		Online:      online,
		CurrentCity: m.currentCity,
		CachedTiles: len(m.index),
		MaxCache:    m.capacity,
		Provider:    m.Provider(!online),
	}
}

// ============================================================================
// Geometry helpers
// ============================================================================

// TileAt returns the slippy-map tile containing a position.
func TileAt(lat, lng float64, zoom int) maptile.Tile {
	return maptile.At(orb.Point{lng, lat}, maptile.Zoom(zoom))
}

func tilesAround(center Coordinates, pad float64, zoom maptile.Zoom) []maptile.Tile {
	minTile := maptile.At(orb.Point{center.Lng - pad, center.Lat + pad}, zoom)
	maxTile := maptile.At(orb.Point{center.Lng + pad, center.Lat - pad}, zoom)

	tiles := make([]maptile.Tile, 0)
	for x := minTile.X; x <= maxTile.X; x++ {
		for y := minTile.Y; y <= maxTile.Y; y++ {
			tiles = append(tiles, maptile.Tile{X: x, Y: y, Z: zoom})
		}
	}
	return tiles
}

// LocationGeoJSON renders a position as a FeatureCollection holding the
// point and an accuracy circle of radius accuracy metres.
func LocationGeoJSON(lat, lng, accuracy float64) ([]byte, error) {
	point := orb.Point{lng, lat}

	location := geojson.NewFeature(point)
	location.Properties["type"] = "location"
	location.Properties["accuracy"] = accuracy

	circle := geojson.NewFeature(point)
	circle.Properties["type"] = "accuracy_circle"
	circle.Properties["radius"] = accuracy

	fc := geojson.NewFeatureCollection()
	fc.Append(location)
	fc.Append(circle)
	return fc.MarshalJSON()
}

// FormatCoordinates renders a position as decimal, hemisphere-suffixed and short text.
func FormatCoordinates(lat, lng float64) CoordinateFormats {
	latDir, lngDir := "N", "E"
	if lat < 0 {
		latDir = "S"
	}
	if lng < 0 {
		lngDir = "W"
	}
	return CoordinateFormats{
		Decimal: fmt.Sprintf("%.6f, %.6f", lat, lng),
		DMS:     fmt.Sprintf("%.6f°%s, %.6f°%s", math.Abs(lat), latDir, math.Abs(lng), lngDir),
		Short:   fmt.Sprintf("%.4f, %.4f", lat, lng),
	}
}

// LocationQRCode encodes a location as a PNG QR code so it can be shared
// device to device without a network: a geo: URI when coordinates are known,
// the address otherwise.
func LocationQRCode(loc Location, size int) ([]byte, error) {
	content := loc.Address
	if loc.HasCoordinates() {
		content = fmt.Sprintf("geo:%.6f,%.6f", *loc.Latitude, *loc.Longitude)
	}
	if content == "" {
		content = UnknownLocation
	}
	if size <= 0 {
		size = tileSize
	}

	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, errors.Wrap(err, "create QR code")
	}
	png, err := code.PNG(size)
	if err != nil {
		return nil, errors.Wrap(err, "render QR code")
	}
	return png, nil
}
