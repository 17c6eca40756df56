package compression

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decodedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_intake_decoded_bytes_total",
		Help: "Total bytes of event bodies after decompression, by content encoding",
	}, []string{"encoding"})

	grpcCodecPoolNew = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_compression_pool_new_total",
		Help: "zstd encoders and decoders created for gRPC calls (pool miss)",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(decodedBytesTotal)
	prometheus.MustRegister(grpcCodecPoolNew)
}
