package encoding

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CompressorName is the gRPC compressor name of the zstd compressor.
const CompressorName = "zstd"

var registerOnce sync.Once

// RegisterZstdCompressor registers the zstd gRPC compressor at the given zstd
// level (1-22). Level 0 leaves compression disabled. Only the first call has
// any effect.
func RegisterZstdCompressor(level int) bool {
	if level <= 0 {
		log.Debug().Msg("gRPC compression disabled (level=0)")
		return false
	}
	registerOnce.Do(func() {
		c := &zstdCompressor{level: zstd.EncoderLevelFromZstd(level)}
		grpcencoding.RegisterCompressor(c)
		log.Info().
			Int("config_level", level).
			Str("zstd_level", c.level.String()).
			Msg("Registered zstd gRPC compressor")
	})
	return true
}

type zstdCompressor struct {
	level       zstd.EncoderLevel
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func (c *zstdCompressor) Name() string {
	return CompressorName
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoderPool.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
	}
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
}

type pooledEncoder struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// pooledDecoder returns its decoder to the pool once the stream hits EOF.
type pooledDecoder struct {
	dec      *zstd.Decoder
	pool     *sync.Pool
	released bool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	if p.released {
		return 0, io.EOF
	}
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.released = true
		p.pool.Put(p.dec)
	}
	return n, err
}
