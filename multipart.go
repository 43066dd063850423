package sentry

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// MultipartBody is a multipart/form-data request body. It is encoded once
// and replayed on every attempt; the boundary is chosen by the encoder.
type MultipartBody struct {
	fields []multipartField
	files  []multipartFile
}

type multipartField struct{ name, value string }

type multipartFile struct {
	field, fileName, contentType string
	data                         []byte
}

func NewMultipartBody() *MultipartBody {
	return &MultipartBody{}
}

// Field adds a plain form value.
func (m *MultipartBody) Field(name, value string) *MultipartBody {
	m.fields = append(m.fields, multipartField{name, value})
	return m
}

// File adds a file part. An empty contentType is guessed from the file name.
func (m *MultipartBody) File(field, fileName, contentType string, data []byte) *MultipartBody {
	if contentType == "" {
		contentType = guessMimeType(fileName)
	}
	m.files = append(m.files, multipartFile{field, fileName, contentType, data})
	return m
}

func (m *MultipartBody) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range m.fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", errors.Wrapf(err, "write field %s", f.name)
		}
	}
	for _, f := range m.files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(f.field), escapeQuotes(f.fileName)))
		h.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", errors.Wrapf(err, "create part %s", f.fileName)
		}
		if _, err := part.Write(f.data); err != nil {
			return nil, "", errors.Wrapf(err, "write part %s", f.fileName)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close multipart writer")
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Media types phones produce that Go's registry may not know
	fallback := map[string]string{
		".m4a": "audio/mp4", ".aac": "audio/aac", ".3gp": "video/3gpp",
		".heic": "image/heic", ".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
