package curve

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"options-mm/internal/errors"
	"options-mm/internal/models"
)

// SideFit is the fitted polynomial of one side with its quality.
type SideFit struct {
	Poly    models.Polynomial
	Quality models.CurveQuality
	Solved  bool
}

// Fit holds the bid and offer fits of one window. It is replaced wholesale.
type Fit struct {
	Bid   SideFit
	Offer SideFit
	At    time.Time
}

// FitPolynomial fits y = A0 + A1*x + ... + Aorder*x^order by least squares.
// Fewer than order+1 observations is an invariant failure and returns
// ErrInsufficientObservations. A numerically singular system returns an
// unsolved fit with zero quality and no error.
func FitPolynomial(xs, ys []float64, order int) (SideFit, error) {
	n, p := len(xs), order+1
	if order < 1 || order > 3 || n != len(ys) {
		return SideFit{}, fmt.Errorf("fit order %d over %d/%d points: %w", order, n, len(ys), errors.ErrInvalidInput)
	}
	if n < p {
		return SideFit{}, errors.ErrInsufficientObservations
	}

	a := mat.NewDense(n, p, nil)
	for i, x := range xs {
		v := 1.0
		for j := 0; j < p; j++ {
			a.Set(i, j, v)
			v *= x
		}
	}
	b := mat.NewVecDense(n, append([]float64(nil), ys...))

	var c mat.VecDense
	if err := c.SolveVec(a, b); err != nil {
		return SideFit{Quality: models.CurveQuality{Observations: n}}, nil
	}

	fit := SideFit{Poly: models.Polynomial{Order: order}, Solved: true}
	for j := 0; j < p; j++ {
		fit.Poly.Coeffs[j] = c.AtVec(j)
	}

	fitted := make([]float64, n)
	ssr := 0.0
	for i, x := range xs {
		fitted[i] = fit.Poly.Eval(x)
		r := ys[i] - fitted[i]
		ssr += r * r
	}

	corr := stat.Correlation(fitted, ys, nil)
	if math.IsNaN(corr) {
		// Constant series: a perfect fit is fully correlated, anything else is not.
		corr = 0
		if ssr < 1e-18 {
			corr = 1
		}
	}

	stdErr := 0.0
	if n > p {
		stdErr = math.Sqrt(ssr / float64(n-p))
	}

	fit.Quality = models.CurveQuality{Observations: n, Correlation: corr, StdError: stdErr}
	return fit, nil
}

// fitWindow fits both sides of a window. Only the observation-count invariant
// is returned as an error.
func fitWindow(series string, w *Window, order int, now time.Time) (*Fit, error) {
	entries := w.Entries()
	xs := make([]float64, len(entries))
	bids := make([]float64, len(entries))
	offers := make([]float64, len(entries))
	for i, e := range entries {
		xs[i], bids[i], offers[i] = e.Moneyness, e.IVBid, e.IVOffer
	}

	bid, err := FitPolynomial(xs, bids, order)
	if err != nil {
		return nil, sideError(series, "bid", order, len(xs), err)
	}
	offer, err := FitPolynomial(xs, offers, order)
	if err != nil {
		return nil, sideError(series, "offer", order, len(xs), err)
	}
	return &Fit{Bid: bid, Offer: offer, At: now}, nil
}

func sideError(series, side string, order, n int, err error) error {
	if errors.Is(err, errors.ErrInsufficientObservations) {
		return errors.NewFitError(series, side, order, n)
	}
	return fmt.Errorf("fitting %s %s: %w", series, side, err)
}

// passes reports whether a side meets the quality thresholds.
func passes(s SideFit, minObs int, minCorr, maxStdErr float64) bool {
	q := s.Quality
	return s.Solved && q.Observations >= minObs && q.Correlation >= minCorr && q.StdError <= maxStdErr
}
