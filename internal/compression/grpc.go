package compression

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers "gzip"
)

// GRPCZstd is the gRPC compressor name registered by this package.
const GRPCZstd = "zstd"

func init() {
	encoding.RegisterCompressor(zstdCodec{})
}

var encoderPool = sync.Pool{
	New: func() any {
		grpcCodecPoolNew.WithLabelValues("encoder").Inc()
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		return enc
	},
}

var decoderPool = sync.Pool{
	New: func() any {
		grpcCodecPoolNew.WithLabelValues("decoder").Inc()
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	},
}

// zstdCodec implements encoding.Compressor with pooled zstd state.
type zstdCodec struct{}

func (zstdCodec) Name() string {
	return GRPCZstd
}

func (zstdCodec) Compress(w io.Writer) (io.WriteCloser, error) {
	enc := encoderPool.Get().(*zstd.Encoder)
	enc.Reset(w)
	return &pooledEncoder{enc: enc}, nil
}

func (zstdCodec) Decompress(r io.Reader) (io.Reader, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	if err := dec.Reset(r); err != nil {
		decoderPool.Put(dec)
		return nil, err
	}
	return &pooledDecoder{dec: dec}, nil
}

type pooledEncoder struct {
	enc *zstd.Encoder
}

func (p *pooledEncoder) Write(b []byte) (int, error) {
	return p.enc.Write(b)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.enc.Reset(nil)
	encoderPool.Put(p.enc)
	p.enc = nil
	return err
}

// pooledDecoder returns its decoder to the pool at EOF.
type pooledDecoder struct {
	dec *zstd.Decoder
}

func (p *pooledDecoder) Read(b []byte) (int, error) {
	if p.dec == nil {
		return 0, io.EOF
	}
	n, err := p.dec.Read(b)
	if err == io.EOF {
		_ = p.dec.Reset(nil)
		decoderPool.Put(p.dec)
		p.dec = nil
	}
	return n, err
}
