package vmerr

import "errors"

// Wire is the serializable form of an error carried in a job result.
type Wire struct {
	Kind    Kind   `json:"kind"`
	VMID    string `json:"vmID,omitempty"`
	Op      string `json:"op,omitempty"`
	Active  bool   `json:"active,omitempty"`
	Message string `json:"message"`
}

// ToWire converts err to its wire form. Uncategorized errors become KindFatal.
func ToWire(err error) *Wire {
	if err == nil {
		return nil
	}
	w := &Wire{Kind: KindOf(err), Message: err.Error()}
	var ve *Error
	if errors.As(err, &ve) {
		w.VMID = ve.VMID
		w.Op = ve.Op
		w.Active = ve.Active
		if ve.Err != nil {
			w.Message = ve.Err.Error()
		} else {
			w.Message = string(ve.Kind)
		}
	}
	return w
}

// Err rebuilds a typed error from the wire form.
func (w *Wire) Err() error {
	if w == nil {
		return nil
	}
	kind := w.Kind
	if _, ok := sentinels[kind]; !ok {
		kind = KindFatal
	}
	return &Error{
		Kind:   kind,
		VMID:   w.VMID,
		Op:     w.Op,
		Active: w.Active,
		Err:    errors.New(w.Message),
	}
}
