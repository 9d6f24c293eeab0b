//go:build cgo && netlib

package device

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Swaps the pure-Go gemm for the system BLAS (Accelerate, OpenBLAS).
// Only compiled with -tags netlib.
func init() {
	blas32.Use(netlib.Implementation{})
	blasImpl = "netlib"
	log.Debug().Str("blas", blasImpl).Msg("CPU backend using system BLAS")
}
