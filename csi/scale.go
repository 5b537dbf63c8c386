package csi

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Post-processing transforms for Intel CSI records: total received signal
// strength, conversion of the raw fixed-point CSI to an absolute channel
// matrix, and removal of the firmware spatial mapping. The math follows the
// normalization published with the Linux 802.11n CSI Tool.

func db(x float64) float64    { return 10 * math.Log10(x) }
func dbinv(x float64) float64 { return math.Pow(10, x/10) }

// TotalRSS combines the per-chain RSSI fields of every decoded record into
// one dBm figure via log-sum-of-powers, referenced through the AGC setting.
func (d *Intel) TotalRSS() []float64 {
	out := make([]float64, d.count)
	for i := range out {
		out[i] = totalRSS(d.RSSIA[i], d.RSSIB[i], d.RSSIC[i], d.AGC[i])
	}
	return out
}

func totalRSS(a, b, c, agc uint8) float64 {
	var mag float64
	if a != 0 {
		mag += dbinv(float64(a))
	}
	if b != 0 {
		mag += dbinv(float64(b))
	}
	if c != 0 {
		mag += dbinv(float64(c))
	}
	return db(mag) - 44 - float64(agc)
}

// ScaledCSI converts the raw CSI of every decoded record into an absolute
// channel matrix H, using total RSS as the power reference and accounting
// for thermal noise and quantization error. With inplace set, the session's
// CSI column is overwritten and returned; otherwise a new array is
// returned. Both variants are numerically identical.
func (d *Intel) ScaledCSI(inplace bool) []complex128 {
	stride := d.CSIStride()
	out := d.CSI[:d.count*stride]
	if !inplace {
		out = append([]complex128(nil), out...)
	}
	for i := 0; i < d.count; i++ {
		rec := out[i*stride : (i+1)*stride]

		var csiPwr float64
		for _, h := range rec {
			csiPwr += real(h)*real(h) + imag(h)*imag(h)
		}
		rssPwr := dbinv(totalRSS(d.RSSIA[i], d.RSSIB[i], d.RSSIC[i], d.AGC[i]))
		scale := rssPwr / (csiPwr / intelSubcarriers)

		// The inserted NIC reports -127 when it never measured the noise
		// floor; the published tool substitutes -92 dB.
		noiseDb := float64(d.Noise[i])
		if d.Noise[i] == -127 {
			noiseDb = -92
		}
		thermalPwr := dbinv(noiseDb)
		quantPwr := scale * float64(int(d.Nrx[i])*int(d.Ntx[i]))
		factor := math.Sqrt(scale / (thermalPwr + quantPwr))

		// The NIC backs transmit power off per added spatial stream.
		switch d.Ntx[i] {
		case 2:
			factor *= math.Sqrt2
		case 3:
			factor *= math.Sqrt(dbinv(4.5))
		}

		for k, h := range rec {
			rec[k] = h * complex(factor, 0)
		}
	}
	return out
}

// ScaledCSISM is ScaledCSI followed by removal of the firmware spatial
// mapping, yielding the pure MIMO channel matrix.
func (d *Intel) ScaledCSISM(inplace bool) ([]complex128, error) {
	out := d.ScaledCSI(inplace)
	if err := d.ApplySM(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplySM undoes the transmit spatial mapping in place: each subcarrier's
// Nrx×Ntx channel matrix is right-multiplied by the conjugate transpose
// (the inverse, the mappings are unitary) of the spatial-mapping matrix the
// firmware applied, selected per record by Ntx and the 40 MHz flag of
// rate_n_flags. h must be shaped like the session's CSI column over all
// decoded records.
func (d *Intel) ApplySM(h []complex128) error {
	stride := d.CSIStride()
	if len(h) != d.count*stride {
		return fmt.Errorf("apply sm: got %d entries, session holds %d", len(h), d.count*stride)
	}
	for i := 0; i < d.count; i++ {
		ntx := int(d.Ntx[i])
		if ntx < 2 {
			continue // 1-stream mapping is the identity
		}
		nrx := int(d.Nrx[i])
		sm := smMatrix(ntx, d.Rate[i]&0x800 != 0)
		rec := h[i*stride : (i+1)*stride]

		a := mat.NewCDense(nrx, ntx, nil)
		var res mat.CDense
		for sub := 0; sub < intelSubcarriers; sub++ {
			for rx := 0; rx < nrx; rx++ {
				for tx := 0; tx < ntx; tx++ {
					a.Set(rx, tx, rec[(sub*d.nrxMax+rx)*d.ntxMax+tx])
				}
			}
			res.Mul(a, sm.H())
			for rx := 0; rx < nrx; rx++ {
				for tx := 0; tx < ntx; tx++ {
					rec[(sub*d.nrxMax+rx)*d.ntxMax+tx] = res.At(rx, tx)
				}
			}
		}
	}
	return nil
}

// Spatial-mapping matrices from the Intel firmware, as published with the
// 802.11n CSI Tool. The 3-stream entries are phase ramps exp(i*theta)/sqrt(3).
var (
	sm2_20 = mat.NewCDense(2, 2, scaleC([]complex128{
		1, 1,
		1, -1,
	}, 1/math.Sqrt2))
	sm2_40 = mat.NewCDense(2, 2, scaleC([]complex128{
		1, 1i,
		1i, 1,
	}, 1/math.Sqrt2))
	sm3_20 = phaseMatrix([]float64{
		-2 * math.Pi / 16, -2 * math.Pi / (80.0 / 33), 2 * math.Pi / (80.0 / 3),
		2 * math.Pi / (80.0 / 23), 2 * math.Pi / (48.0 / 13), 2 * math.Pi / (240.0 / 13),
		-2 * math.Pi / (80.0 / 13), 2 * math.Pi / (240.0 / 37), 2 * math.Pi / (48.0 / 13),
	})
	sm3_40 = phaseMatrix([]float64{
		-2 * math.Pi / 16, -2 * math.Pi / (80.0 / 13), 2 * math.Pi / (80.0 / 23),
		-2 * math.Pi / (280.0 / 23), -2 * math.Pi / (120.0 / 33), -2 * math.Pi / (240.0 / 13),
		-2 * math.Pi / (80.0 / 3), -2 * math.Pi / (240.0 / 37), 2 * math.Pi / (48.0 / 13),
	})
)

func smMatrix(ntx int, is40MHz bool) *mat.CDense {
	if ntx == 3 {
		if is40MHz {
			return sm3_40
		}
		return sm3_20
	}
	if is40MHz {
		return sm2_40
	}
	return sm2_20
}

func scaleC(v []complex128, s float64) []complex128 {
	for i := range v {
		v[i] *= complex(s, 0)
	}
	return v
}

func phaseMatrix(theta []float64) *mat.CDense {
	v := make([]complex128, len(theta))
	s := 1 / math.Sqrt(3)
	for i, t := range theta {
		v[i] = complex(s*math.Cos(t), s*math.Sin(t))
	}
	return mat.NewCDense(3, 3, v)
}
