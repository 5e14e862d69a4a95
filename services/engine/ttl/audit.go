// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/jobs"
)

// GenesisHash is the PrevHash of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const auditLogFileMode = 0600

// VerificationTaskID is the fixed id of the recurring chain check row.
const VerificationTaskID = "audit-chain-verification"

// ErrChainBroken fails the verification job when a record does not verify.
var ErrChainBroken = errors.New("audit chain broken")

// Auditor records maintenance deletions and cycle outcomes.
type Auditor interface {
	LogDeletion(sweep string, key datatypes.Key) (DeletionRecord, error)
	LogCycle(result CycleResult) error
	LogError(err error, phase string) error
}

// DeletionRecord is one hash-chained audit entry.
//
// EntryHash covers every other field including PrevHash, so editing or
// removing a line breaks verification of every later record.
type DeletionRecord struct {
	Sequence  int64          `json:"sequence"`
	Timestamp string         `json:"timestamp"`
	Sweep     string         `json:"sweep"`
	Kind      datatypes.Kind `json:"kind"`
	ItemID    string         `json:"item_id"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
}

// AuditLog is a file-backed Auditor writing JSON lines.
//
// # Description
//
// Deletion records form a SHA-256 hash chain. Cycle summaries and errors
// are interleaved as unchained lines with sequence 0. Opening an existing
// file resumes the chain from its last record.
//
// # Thread Safety
//
// AuditLog is safe for concurrent use.
type AuditLog struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	sequence int64
	prevHash string
	now      func() time.Time
}

// OpenAuditLog opens or creates the audit log at path with mode 0600.
func OpenAuditLog(path string) (*AuditLog, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l := &AuditLog{file: file, path: path, prevHash: GenesisHash, now: time.Now}
	if err := l.resume(); err != nil {
		file.Close()
		return nil, fmt.Errorf("resume audit chain: %w", err)
	}
	slog.Info("ttl.audit: log opened",
		slog.String("path", path),
		slog.Int64("sequence", l.sequence))
	return l, nil
}

// LogDeletion appends a chained record for one deleted entity.
func (l *AuditLog) LogDeletion(sweep string, key datatypes.Key) (DeletionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := DeletionRecord{
		Sequence:  l.sequence + 1,
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Sweep:     sweep,
		Kind:      key.Kind,
		ItemID:    key.ID,
		PrevHash:  l.prevHash,
	}
	rec.EntryHash = recordHash(rec)
	if err := l.writeLine(rec); err != nil {
		return DeletionRecord{}, fmt.Errorf("write deletion record: %w", err)
	}
	l.sequence = rec.Sequence
	l.prevHash = rec.EntryHash
	return rec, nil
}

type cycleRecord struct {
	Timestamp   string `json:"timestamp"`
	Operation   string `json:"operation"`
	Extended    int    `json:"extended"`
	Expired     int    `json:"expired"`
	Orphans     int    `json:"orphans"`
	Invitations int    `json:"invitations"`
	Resubmitted int    `json:"resubmitted"`
	DurationMs  int64  `json:"duration_ms"`
	ErrorCount  int    `json:"error_count"`
}

// LogCycle appends an unchained cycle summary.
func (l *AuditLog) LogCycle(r CycleResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLine(cycleRecord{
		Timestamp:   l.now().UTC().Format(time.RFC3339Nano),
		Operation:   "cycle",
		Extended:    r.Extended,
		Expired:     r.Expired,
		Orphans:     r.Orphans,
		Invitations: r.Invitations,
		Resubmitted: r.Resubmitted,
		DurationMs:  r.Duration().Milliseconds(),
		ErrorCount:  len(r.Errors),
	})
}

type errorRecord struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Phase     string `json:"phase"`
	Error     string `json:"error"`
}

// LogError appends an unchained error line.
func (l *AuditLog) LogError(err error, phase string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLine(errorRecord{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Operation: "error",
		Phase:     phase,
		Error:     err.Error(),
	})
}

// VerifyChain re-reads the file and checks every chained record. When the
// chain is broken, breakIndex is the zero-based index of the first bad
// record among chained records; otherwise it is -1.
func (l *AuditLog) VerifyChain() (valid bool, breakIndex int64, err error) {
	records, err := l.records()
	if err != nil {
		return false, -1, err
	}
	prev := GenesisHash
	for i, rec := range records {
		if rec.PrevHash != prev || recordHash(rec) != rec.EntryHash {
			return false, int64(i), nil
		}
		prev = rec.EntryHash
	}
	return true, -1, nil
}

// VerifyJob is the jobs.VerifyAudit handler.
func (l *AuditLog) VerifyJob(_ context.Context, _ jobs.Job) error {
	valid, at, err := l.VerifyChain()
	if err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	}
	if !valid {
		return fmt.Errorf("%w: record %d of %s", ErrChainBroken, at, l.path)
	}
	return nil
}

// Count returns the number of chained deletion records.
func (l *AuditLog) Count() (int64, error) {
	records, err := l.records()
	return int64(len(records)), err
}

// Close closes the underlying file.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *AuditLog) resume() error {
	records, err := l.records()
	if err != nil {
		return err
	}
	if n := len(records); n > 0 {
		l.sequence = records[n-1].Sequence
		l.prevHash = records[n-1].EntryHash
	}
	return nil
}

func (l *AuditLog) records() ([]DeletionRecord, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log for reading: %w", err)
	}
	defer file.Close()

	var out []DeletionRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec DeletionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Sequence == 0 {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}

func (l *AuditLog) writeLine(v any) error {
	if l.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = l.file.Write(append(raw, '\n'))
	return err
}

func recordHash(r DeletionRecord) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s", r.Sequence, r.Timestamp, r.Sweep, r.Kind, r.ItemID, r.PrevHash)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// slogAuditor records deletions in the process log only.
type slogAuditor struct {
	logger *slog.Logger
}

func (a slogAuditor) LogDeletion(sweep string, key datatypes.Key) (DeletionRecord, error) {
	a.logger.Info("ttl.audit: deleted",
		slog.String("sweep", sweep),
		slog.String("kind", string(key.Kind)),
		slog.String("id", key.ID))
	return DeletionRecord{Sweep: sweep, Kind: key.Kind, ItemID: key.ID}, nil
}

func (a slogAuditor) LogCycle(CycleResult) error { return nil }

func (a slogAuditor) LogError(err error, phase string) error {
	a.logger.Error("ttl.audit: phase failed", slog.String("phase", phase), slog.String("error", err.Error()))
	return nil
}
