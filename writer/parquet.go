package writer

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"pricewatch/models"
)

// ParquetRecord is one history row in columnar exports.
type ParquetRecord struct {
	Store   string  `parquet:"name=store, type=BYTE_ARRAY, convertedtype=UTF8"`
	Product string  `parquet:"name=product, type=BYTE_ARRAY, convertedtype=UTF8"`
	Shop    string  `parquet:"name=shop, type=BYTE_ARRAY, convertedtype=UTF8"`
	URL     string  `parquet:"name=url, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date    int64   `parquet:"name=date, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Day     string  `parquet:"name=day, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price   float64 `parquet:"name=price, type=DOUBLE"`
	Cents   int64   `parquet:"name=price_cents, type=INT64"`
}

func toParquetRecord(storeID string, r models.PriceRecord) ParquetRecord {
	return ParquetRecord{
		Store:   storeID,
		Product: r.Product,
		Shop:    r.Shop,
		URL:     r.URL,
		Date:    r.Date.UnixMilli(),
		Day:     r.Date.UTC().Format("2006-01-02"),
		Price:   r.Price.InexactFloat64(),
		Cents:   r.Price.Shift(2).Round(0).IntPart(),
	}
}

// memoryFileWriter implements source.ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the current size; the writer never seeks backwards.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func writeParquet(fw source.ParquetFile, storeID string, records []models.PriceRecord, compression string) error {
	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, r := range records {
		if err := pw.Write(toParquetRecord(storeID, r)); err != nil {
			pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return nil
}

// EncodeParquet renders a store's history as a parquet file in memory.
func EncodeParquet(storeID string, records []models.PriceRecord, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()
	if err := writeParquet(fw, storeID, records, compression); err != nil {
		return nil, err
	}
	return fw.Bytes(), nil
}

// ExportParquet writes a store's history to a local parquet file.
func ExportParquet(path, storeID string, records []models.PriceRecord, compression string) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := writeParquet(fw, storeID, records, compression); err != nil {
		fw.Close()
		return err
	}
	return fw.Close()
}
