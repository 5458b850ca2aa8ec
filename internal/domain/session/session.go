package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the explicit store shared by the ordering components of one
// conversation. It replaces any ambient global state.
type Session struct {
	ID            string
	Patient       Patient
	Transcript    *Transcript
	Prescriptions *Prescriptions
	CreatedAt     time.Time
}

func New(patient Patient) *Session {
	return &Session{
		ID:            uuid.New().String(),
		Patient:       patient,
		Transcript:    NewTranscript(),
		Prescriptions: NewPrescriptions(),
		CreatedAt:     time.Now().UTC(),
	}
}
