// Package spoof carries the outcome of a face anti-spoofing check.
//
// A detector crash or missing result is reported as VerdictUnavailable
// and is never folded into VerdictGenuine.
package spoof

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrDetectorUnavailable = errors.New("anti-spoof detector unavailable")

type Verdict string

const (
	VerdictGenuine     Verdict = "genuine"
	VerdictSpoof       Verdict = "spoof"
	VerdictUnavailable Verdict = "unavailable"
)

// Assessment is the result of one liveness check.
type Assessment struct {
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Err        error   `json:"-"`
}

// Available reports whether the detector produced a real answer.
func (a Assessment) Available() bool {
	return a.Verdict == VerdictGenuine || a.Verdict == VerdictSpoof
}

// detector is one source of liveness answers. The pipeline's anti_spoof
// block is the only source today; assess normalizes whatever it reports.
type detector interface {
	predict(ctx context.Context) (isReal bool, confidence float64, err error)
}

// assess runs d and converts failures into VerdictUnavailable.
func assess(ctx context.Context, d detector) (a Assessment) {
	if d == nil {
		return Assessment{Verdict: VerdictUnavailable, Err: ErrDetectorUnavailable}
	}
	defer func() {
		if r := recover(); r != nil {
			a = Assessment{
				Verdict: VerdictUnavailable,
				Err:     fmt.Errorf("%w: detector panic: %v", ErrDetectorUnavailable, r),
			}
		}
	}()

	isReal, conf, err := d.predict(ctx)
	if err != nil {
		return Assessment{Verdict: VerdictUnavailable, Err: fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)}
	}
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return Assessment{
			Verdict: VerdictUnavailable,
			Err:     fmt.Errorf("%w: confidence %.3f out of range", ErrDetectorUnavailable, conf),
		}
	}
	if isReal {
		return Assessment{Verdict: VerdictGenuine, Confidence: conf}
	}
	return Assessment{Verdict: VerdictSpoof, Confidence: conf}
}

// payloadResult is the verdict the upstream pipeline attached to the event.
type payloadResult map[string]any

func (p payloadResult) predict(context.Context) (bool, float64, error) {
	if p == nil {
		return false, 0, errors.New("no anti_spoof block")
	}
	verdict, _ := p["verdict"].(string)
	conf, _ := p["confidence"].(float64)

	switch Verdict(strings.ToLower(verdict)) {
	case VerdictGenuine:
		return true, conf, nil
	case VerdictSpoof:
		return false, conf, nil
	}
	reason, _ := p["error"].(string)
	if reason == "" {
		reason = "no verdict"
	}
	return false, 0, errors.New(reason)
}

// FromPayload reads the "anti_spoof" object attached by the pipeline:
//
//	{"anti_spoof": {"verdict": "genuine", "confidence": 0.93}}
func FromPayload(payload map[string]any) Assessment {
	raw, _ := payload["anti_spoof"].(map[string]any)
	return assess(context.Background(), payloadResult(raw))
}
