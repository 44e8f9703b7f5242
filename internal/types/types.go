package types

import "time"

// Thresholds tune the detector. Objectness and Hier are forwarded to the model,
// Class decides which (label, confidence) pairs are reported.
type Thresholds struct {
	Objectness float64 `json:"objectness"`
	Class      float64 `json:"class"`
	Hier       float64 `json:"hier"`
	NMS        float64 `json:"nms,omitempty"`
}

// DefaultThresholds match the values the detection model was tuned with.
func DefaultThresholds() Thresholds {
	return Thresholds{Objectness: 0.1, Class: 0.1, Hier: 0.5, NMS: 0.45}
}

// Detection is one raw (label, confidence) pair coming back from the detector.
type Detection struct {
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"` // [x, y, w, h] normalized to the frame
}

// Label is a reported entry of a FrameResult.
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// FrameResult is the detection output for one decoded frame.
type FrameResult struct {
	Index  int     `json:"frame_index"`
	Labels []Label `json:"labels"`
}

// NewFrameResult keeps the detections whose confidence is strictly above classThresh,
// preserving the detector's order.
func NewFrameResult(index int, dets []Detection, classThresh float64) *FrameResult {
	fr := &FrameResult{Index: index, Labels: make([]Label, 0, len(dets))}
	for _, d := range dets {
		if d.Confidence > classThresh {
			fr.Labels = append(fr.Labels, Label{Name: d.Label, Confidence: d.Confidence})
		}
	}
	return fr
}

// FrameMessage is the wire unit streamed to clients, one per FrameResult.
type FrameMessage struct {
	SessionID string       `json:"session_id"`
	Result    *FrameResult `json:"result"`
}

// DetectRequest is what a client sends to open a streaming session.
type DetectRequest struct {
	Source     string      `json:"source"`
	KeyPath    string      `json:"key_path,omitempty"`
	IVPath     string      `json:"iv_path,omitempty"`
	Model      string      `json:"model,omitempty"`
	Thresholds *Thresholds `json:"thresholds,omitempty"`
}

// Encrypted reports whether the source has to go through the decryptor first.
func (r *DetectRequest) Encrypted() bool {
	return r.KeyPath != "" || r.IVPath != ""
}

// EffectiveThresholds falls back to defaults for a request without thresholds.
func (r *DetectRequest) EffectiveThresholds() Thresholds {
	if r.Thresholds == nil {
		return DefaultThresholds()
	}
	th := *r.Thresholds
	if th.NMS == 0 {
		th.NMS = DefaultThresholds().NMS
	}
	return th
}

// ErrorResult captures the error object an external process may return
type ErrorResult struct {
	Error string `json:"error"`
}

// SessionInfo is a point-in-time view of one live streaming session.
type SessionInfo struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Source  string    `json:"source"`
	Model   string    `json:"model,omitempty"`
	Started time.Time `json:"started"`
	Frames  int       `json:"frames"`
}

// SessionStatusMessage announces the end of a streaming session.
type SessionStatusMessage struct {
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source"`
	Model      string    `json:"model,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Frames     int       `json:"frames"`
	Detections int       `json:"detections"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
