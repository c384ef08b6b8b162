package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dvtools/dvbulk/internal/schema"
	"github.com/dvtools/dvbulk/internal/types"
)

// File names inside the archive container. Both schema spellings are
// accepted on read; the writer emits SchemaFileName.
const (
	SchemaFileName    = "data_schema.xml"
	altSchemaFileName = "schema.xml"
	DataFileName      = "data.xml"
	contentTypesName  = "[Content_Types].xml"
)

// contentTypesXML is required by the container conventions and emitted
// verbatim.
const contentTypesXML = `<?xml version="1.0" encoding="utf-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="xml" ContentType="application/octet-stream" /></Types>`

// Write serializes the data set into a zip container on w.
func Write(data *types.MigrationData, w io.Writer) error {
	if data.Schema == nil {
		return fmt.Errorf("archive: data set has no schema")
	}
	zw := zip.NewWriter(w)

	sw, err := zw.Create(SchemaFileName)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := schema.WriteSchema(data.Schema, sw); err != nil {
		return err
	}

	dw, err := zw.Create(DataFileName)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := WriteData(data, dw); err != nil {
		return err
	}

	cw, err := zw.Create(contentTypesName)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if _, err := io.WriteString(cw, contentTypesXML); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	return zw.Close()
}

// WriteFile writes the archive to path, creating or truncating it.
func WriteFile(data *types.MigrationData, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := Write(data, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read parses a zip container from r. The data document is optional; a
// schema-only archive yields an empty data set.
func Read(r io.ReaderAt, size int64) (*types.MigrationData, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("archive: open container: %w", err)
	}

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	schemaEntry := entries[SchemaFileName]
	if schemaEntry == nil {
		schemaEntry = entries[altSchemaFileName]
	}
	if schemaEntry == nil {
		return nil, fmt.Errorf("archive: no schema document (%s or %s)", SchemaFileName, altSchemaFileName)
	}

	s, err := readZipEntry(schemaEntry, func(rd io.Reader) (*types.Schema, error) {
		return schema.ReadSchema(rd)
	})
	if err != nil {
		return nil, err
	}

	dataEntry := entries[DataFileName]
	if dataEntry == nil {
		return types.NewMigrationData(s), nil
	}
	return readZipEntry(dataEntry, func(rd io.Reader) (*types.MigrationData, error) {
		return ReadData(rd, s)
	})
}

// ReadFile opens and parses an archive from path.
func ReadFile(path string) (*types.MigrationData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return Read(f, st.Size())
}

// ReadBytes parses an in-memory archive, mostly for tests.
func ReadBytes(b []byte) (*types.MigrationData, error) {
	return Read(bytes.NewReader(b), int64(len(b)))
}

func readZipEntry[T any](f *zip.File, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	rc, err := f.Open()
	if err != nil {
		return zero, fmt.Errorf("archive: open %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := parse(rc)
	if err != nil {
		return zero, err
	}
	return out, nil
}
