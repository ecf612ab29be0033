// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/gatekeeper/internal/audit"
)

// unavailableWriter rejects every write, standing in for a database outage.
type unavailableWriter struct{}

func (unavailableWriter) Write(context.Context, []audit.Entry) error {
	return errors.New("database unavailable")
}

func (unavailableWriter) Query(context.Context, audit.Filter, audit.Page) (audit.Result, error) {
	return audit.Result{}, errors.New("database unavailable")
}

func (unavailableWriter) Close() error { return nil }

var _ = Describe("Audit log over PostgreSQL", func() {
	var writer *audit.PostgresWriter

	BeforeEach(func() {
		writer = audit.NewPostgresWriter(env.pool)
	})

	newEntry := func(principal string, eventType audit.EventType) audit.Entry {
		return audit.Entry{
			ID:           ulid.Make().String(),
			PrincipalID:  principal,
			EventType:    eventType,
			ResourceType: "documents",
			Action:       "read",
			Details:      map[string]any{"allowed": true},
			Severity:     audit.SeverityInfo,
			Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		}
	}

	It("ignores a second write of the same entry", func() {
		principal := unique("alice")
		entry := newEntry(principal, audit.EventPermissionChecked)

		Expect(writer.Write(env.ctx, []audit.Entry{entry})).To(Succeed())
		Expect(writer.Write(env.ctx, []audit.Entry{entry})).To(Succeed())

		res, err := writer.Query(env.ctx, audit.Filter{PrincipalID: principal}, audit.Page{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Entries).To(HaveLen(1))
		Expect(res.Entries[0].Timestamp.Equal(entry.Timestamp)).To(BeTrue())
		Expect(res.Entries[0].Details).To(HaveKeyWithValue("allowed", true))
	})

	It("rejects updates and deletes", func() {
		principal := unique("bob")
		entry := newEntry(principal, audit.EventRoleCreated)
		Expect(writer.Write(env.ctx, []audit.Entry{entry})).To(Succeed())

		_, err := env.pool.Exec(env.ctx, `UPDATE audit_log SET severity = 'critical' WHERE id = $1`, entry.ID)
		Expect(err).To(MatchError(ContainSubstring("append-only")))

		_, err = env.pool.Exec(env.ctx, `DELETE FROM audit_log WHERE id = $1`, entry.ID)
		Expect(err).To(MatchError(ContainSubstring("append-only")))
	})

	It("pages oldest first with a keyset cursor", func() {
		principal := unique("carol")
		var want []string
		for range 5 {
			e := newEntry(principal, audit.EventPermissionChecked)
			Expect(writer.Write(env.ctx, []audit.Entry{e})).To(Succeed())
			want = append(want, e.ID)
		}

		var got []string
		page := audit.Page{Limit: 2}
		for {
			res, err := writer.Query(env.ctx, audit.Filter{PrincipalID: principal}, page)
			Expect(err).NotTo(HaveOccurred())
			for _, e := range res.Entries {
				got = append(got, e.ID)
			}
			if res.NextCursor == "" {
				break
			}
			page.After = res.NextCursor
		}
		Expect(got).To(Equal(want))
	})

	It("filters by event type, severity and time window", func() {
		principal := unique("dave")
		checked := newEntry(principal, audit.EventPermissionChecked)
		denied := newEntry(principal, audit.EventPermissionChecked)
		denied.Severity = audit.SeverityWarning
		flag := newEntry(principal, audit.EventFlagEvaluated)
		Expect(writer.Write(env.ctx, []audit.Entry{checked, denied, flag})).To(Succeed())

		res, err := writer.Query(env.ctx, audit.Filter{
			PrincipalID: principal,
			EventTypes:  []audit.EventType{audit.EventPermissionChecked},
			Severities:  []audit.Severity{audit.SeverityWarning},
		}, audit.Page{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Entries).To(HaveLen(1))
		Expect(res.Entries[0].ID).To(Equal(denied.ID))

		res, err = writer.Query(env.ctx, audit.Filter{
			PrincipalID: principal,
			From:        time.Now().Add(time.Hour),
		}, audit.Page{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Entries).To(BeEmpty())
	})

	It("replays entries a previous process left in the WAL", func() {
		walPath := filepath.Join(GinkgoT().TempDir(), "audit.wal")
		principal := unique("erin")

		stranded, err := audit.NewLogger(unavailableWriter{},
			audit.WithMode(audit.ModeWriteAhead),
			audit.WithWALPath(walPath),
			audit.WithFlushInterval(time.Hour),
		)
		Expect(err).NotTo(HaveOccurred())
		for range 3 {
			_, err := stranded.Append(env.ctx, audit.Entry{
				PrincipalID: principal,
				EventType:   audit.EventPermissionChecked,
				Severity:    audit.SeverityInfo,
			})
			Expect(err).NotTo(HaveOccurred())
		}
		_ = stranded.Close()

		recovered, err := audit.NewLogger(writer, audit.WithWALPath(walPath))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(recovered.Close)
		Expect(recovered.ReplayWAL(env.ctx)).To(Succeed())
		Expect(recovered.Pending()).To(BeZero())

		res, err := writer.Query(env.ctx, audit.Filter{PrincipalID: principal}, audit.Page{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Entries).To(HaveLen(3))

		// A second replay of the same file adds nothing.
		Expect(recovered.ReplayWAL(env.ctx)).To(Succeed())
		res, err = writer.Query(env.ctx, audit.Filter{PrincipalID: principal}, audit.Page{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Entries).To(HaveLen(3))
	})
})
