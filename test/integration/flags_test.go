// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/cache"
	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

var _ = Describe("Feature flags over PostgreSQL", func() {
	var (
		auditLog  *audit.Logger
		service   *flags.Service
		evaluator *flags.Evaluator
		actor     string
	)

	BeforeEach(func() {
		var err error
		auditLog, err = audit.NewLogger(audit.NewPostgresWriter(env.pool))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(auditLog.Close)

		st := flags.NewPostgresStore(env.pool)
		service = flags.NewService(st, auditLog, flags.WithRetry(10, time.Millisecond))
		evaluator = flags.NewEvaluator(st, auditLog, flags.WithCache(cache.NewLRU(128, time.Minute)))
		actor = unique("operator")
	})

	It("round-trips a flag and bumps its version on every write", func() {
		name := unique("new-dashboard")
		f, err := service.CreateOrUpdateFlag(env.ctx, actor, flags.FlagSpec{
			Name:          name,
			Enabled:       true,
			TargetUsers:   []string{"bob", "alice", "bob"},
			TargetCohorts: []string{"beta"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Version).To(Equal(int64(1)))

		got, err := service.GetFlag(env.ctx, name)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.TargetUsers).To(Equal([]string{"alice", "bob"}))
		Expect(got.TargetCohorts).To(Equal([]string{"beta"}))
		Expect(got.UpdatedBy).To(Equal(actor))

		f, err = service.CreateOrUpdateFlag(env.ctx, actor, flags.FlagSpec{Name: name, Enabled: false})
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Version).To(Equal(int64(2)))
	})

	It("evaluates targeting in precedence order", func() {
		name := unique("search-v2")
		_, err := service.CreateOrUpdateFlag(env.ctx, actor, flags.FlagSpec{
			Name:          name,
			Enabled:       true,
			TargetUsers:   []string{"alice"},
			TargetRoles:   []string{"editor"},
			TargetCohorts: []string{"beta"},
		})
		Expect(err).NotTo(HaveOccurred())

		now := time.Now()
		cases := []struct {
			subj   flags.Subject
			reason flags.Reason
			on     bool
		}{
			{flags.Subject{UserID: "alice", Roles: []string{"editor"}}, flags.ReasonExplicitUser, true},
			{flags.Subject{UserID: "bob", Roles: []string{"editor"}}, flags.ReasonRoleTarget, true},
			{flags.Subject{UserID: "carol", Cohorts: []string{"beta"}}, flags.ReasonCohortTarget, true},
			{flags.Subject{UserID: "dave"}, flags.ReasonNotInRollout, false},
		}
		for _, tc := range cases {
			eval, err := evaluator.IsEnabled(env.ctx, tc.subj, name, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(eval.Reason).To(Equal(tc.reason), "user %s", tc.subj.UserID)
			Expect(eval.Enabled).To(Equal(tc.on), "user %s", tc.subj.UserID)
		}
	})

	It("honours the kill switch after a cached evaluation", func() {
		name := unique("checkout")
		_, err := service.CreateOrUpdateFlag(env.ctx, actor, flags.FlagSpec{
			Name:              name,
			Enabled:           true,
			RolloutPercentage: 100,
		})
		Expect(err).NotTo(HaveOccurred())

		subj := flags.Subject{UserID: "alice"}
		eval, err := evaluator.IsEnabled(env.ctx, subj, name, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(eval.Enabled).To(BeTrue())
		Expect(eval.Reason).To(Equal(flags.ReasonRollout))

		eval, err = evaluator.IsEnabled(env.ctx, subj, name, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(eval.Cached).To(BeTrue())

		_, err = service.CreateOrUpdateFlag(env.ctx, actor, flags.FlagSpec{
			Name:              name,
			Enabled:           false,
			RolloutPercentage: 100,
		})
		Expect(err).NotTo(HaveOccurred())

		eval, err = evaluator.IsEnabled(env.ctx, subj, name, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(eval.Enabled).To(BeFalse())
		Expect(eval.Reason).To(Equal(flags.ReasonKillSwitch))
		Expect(eval.Cached).To(BeFalse())
	})

	It("keeps rollout membership stable as the percentage grows", func() {
		name := unique("gradual")
		users := make([]string, 200)
		for i := range users {
			users[i] = unique("user")
		}

		enabledAt := func(pct int) map[string]bool {
			_, err := service.CreateOrUpdateFlag(env.ctx, actor, flags.FlagSpec{
				Name:              name,
				Enabled:           true,
				RolloutPercentage: pct,
			})
			Expect(err).NotTo(HaveOccurred())
			on := map[string]bool{}
			for _, u := range users {
				eval, err := evaluator.IsEnabled(env.ctx, flags.Subject{UserID: u}, name, time.Now())
				Expect(err).NotTo(HaveOccurred())
				if eval.Enabled {
					on[u] = true
				}
			}
			return on
		}

		low := enabledAt(20)
		high := enabledAt(60)
		for u := range low {
			Expect(high).To(HaveKey(u))
		}
		Expect(len(high)).To(BeNumerically(">=", len(low)))
	})

	It("reports a deleted flag as not found", func() {
		name := unique("retired")
		_, err := service.CreateOrUpdateFlag(env.ctx, actor, flags.FlagSpec{Name: name, Enabled: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(service.DeleteFlag(env.ctx, actor, name)).To(Succeed())

		_, err = service.GetFlag(env.ctx, name)
		Expect(errutil.IsNotFound(err)).To(BeTrue())

		eval, err := evaluator.IsEnabled(env.ctx, flags.Subject{UserID: "alice"}, name, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(eval.Enabled).To(BeFalse())
		Expect(eval.Reason).To(Equal(flags.ReasonFlagNotFound))

		res, err := auditLog.Query(env.ctx, audit.Filter{
			PrincipalID: actor,
			EventTypes:  []audit.EventType{audit.EventFlagDeleted},
		}, audit.Page{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Entries).To(HaveLen(1))
		Expect(res.Entries[0].ResourceID).To(Equal(name))
	})
})
