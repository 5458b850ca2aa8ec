package session

import (
	"strings"
	"sync"
	"time"
)

// PrescriptionRecord notes an uploaded prescription for one medicine.
type PrescriptionRecord struct {
	Medicine   string    `json:"medicine"`
	FileName   string    `json:"file_name"`
	BlobID     string    `json:"blob_id,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Prescriptions holds the prescriptions on file for one session, keyed by
// medicine name without regard to case.
type Prescriptions struct {
	mu      sync.RWMutex
	records map[string]PrescriptionRecord
}

func NewPrescriptions() *Prescriptions {
	return &Prescriptions{records: make(map[string]PrescriptionRecord)}
}

func prescriptionKey(medicine string) string {
	return strings.ToLower(strings.Join(strings.Fields(medicine), " "))
}

func (p *Prescriptions) Record(rec PrescriptionRecord) {
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now().UTC()
	}
	p.mu.Lock()
	p.records[prescriptionKey(rec.Medicine)] = rec
	p.mu.Unlock()
}

// Has reports whether a prescription is on file for medicine.
func (p *Prescriptions) Has(medicine string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.records[prescriptionKey(medicine)]
	return ok
}

func (p *Prescriptions) All() []PrescriptionRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PrescriptionRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	return out
}

func (p *Prescriptions) Restore(recs []PrescriptionRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[string]PrescriptionRecord, len(recs))
	for _, r := range recs {
		p.records[prescriptionKey(r.Medicine)] = r
	}
}
