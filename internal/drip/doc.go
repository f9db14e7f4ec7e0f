// Package drip is the nurture-sequence enrollment engine. It defines the
// Service (enroll, manual control, batch sends, reads), the Sequencer (the
// per-enrollment state machine driven by Tick), the Store interface covering
// enrollments, contacts and the dispatch event log, and the domain models.
package drip
