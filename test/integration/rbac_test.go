// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/cache"
	"github.com/holomush/gatekeeper/internal/rbac"
	"github.com/holomush/gatekeeper/internal/store"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

var _ = Describe("Role-based access over PostgreSQL", func() {
	var (
		auditLog *audit.Logger
		service  *rbac.Service
		resolver *rbac.Resolver
		resource string
		admin    string
	)

	BeforeEach(func() {
		var err error
		auditLog, err = audit.NewLogger(audit.NewPostgresWriter(env.pool))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(auditLog.Close)

		st := rbac.NewPostgresStore(env.pool)
		service = rbac.NewService(st, auditLog, rbac.WithRetry(10, time.Millisecond))
		resolver = rbac.NewResolver(st, auditLog, rbac.WithCache(cache.NewLRU(128, time.Minute)))

		resource = unique("documents")
		admin = unique("admin")
		for _, action := range []string{"read", "write"} {
			Expect(service.RegisterPermission(env.ctx, admin, rbac.CatalogEntry{
				Resource: resource,
				Action:   action,
			})).To(Succeed())
		}
	})

	createRole := func(perms ...string) *rbac.Role {
		role, err := service.CreateRole(env.ctx, admin, rbac.RoleSpec{
			Name:        unique("role"),
			Permissions: perms,
		})
		Expect(err).NotTo(HaveOccurred())
		return role
	}

	Describe("permission checks", func() {
		It("allows a granted permission and denies an ungranted one", func() {
			role := createRole(resource + ":read")
			user := unique("alice")
			_, err := service.GrantRole(env.ctx, user, role.ID, admin, nil)
			Expect(err).NotTo(HaveOccurred())

			d, err := resolver.Check(env.ctx, user, resource, "read", time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeTrue())
			Expect(d.Reason).To(Equal(rbac.ReasonExact))
			Expect(d.MatchedRole).To(Equal(role.Name))

			d, err = resolver.Check(env.ctx, user, resource, "write", time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).To(Equal(rbac.ReasonNoMatch))
		})

		It("stops allowing once a grant expires", func() {
			role := createRole(resource + ":*")
			user := unique("bob")
			expires := time.Now().Add(time.Hour)
			_, err := service.GrantRole(env.ctx, user, role.ID, admin, &expires)
			Expect(err).NotTo(HaveOccurred())

			d, err := resolver.Check(env.ctx, user, resource, "write", time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeTrue())
			Expect(d.Reason).To(Equal(rbac.ReasonWildcardResource))

			d, err = resolver.Check(env.ctx, user, resource, "write", expires.Add(time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeFalse())
		})

		It("sees a revoke immediately despite a warm cache", func() {
			role := createRole(resource + ":read")
			user := unique("carol")
			_, err := service.GrantRole(env.ctx, user, role.ID, admin, nil)
			Expect(err).NotTo(HaveOccurred())

			d, err := resolver.Check(env.ctx, user, resource, "read", time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeTrue())

			Expect(service.RevokeRole(env.ctx, user, role.ID, admin)).To(Succeed())

			d, err = resolver.Check(env.ctx, user, resource, "read", time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Cached).To(BeFalse())
		})

		It("audits every decision", func() {
			user := unique("dave")
			d, err := resolver.Check(env.ctx, user, resource, "read", time.Now())
			Expect(err).NotTo(HaveOccurred())

			res, err := auditLog.Query(env.ctx, audit.Filter{
				PrincipalID: user,
				EventTypes:  []audit.EventType{audit.EventPermissionChecked},
			}, audit.Page{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Entries).To(HaveLen(1))
			Expect(res.Entries[0].ID).To(Equal(d.AuditID))
			Expect(res.Entries[0].Details).To(HaveKeyWithValue("allowed", false))
		})
	})

	Describe("role mutations", func() {
		It("rejects permissions missing from the catalog", func() {
			_, err := service.CreateRole(env.ctx, admin, rbac.RoleSpec{
				Name:        unique("role"),
				Permissions: []string{unique("unknown") + ":read"},
			})
			Expect(errutil.CodeOf(err)).To(Equal(errutil.CodeInvalidPermission))
		})

		It("rejects duplicate role names", func() {
			role := createRole(resource + ":read")
			_, err := service.CreateRole(env.ctx, admin, rbac.RoleSpec{
				Name:        role.Name,
				Permissions: []string{resource + ":read"},
			})
			Expect(errutil.CodeOf(err)).To(Equal(errutil.CodeDuplicateName))
		})

		It("records one audit entry per mutation", func() {
			role := createRole(resource + ":read")
			_, err := service.UpdateRolePermissions(env.ctx, admin, role.ID, []string{resource + ":write"})
			Expect(err).NotTo(HaveOccurred())
			Expect(service.DeleteRole(env.ctx, admin, role.ID)).To(Succeed())

			res, err := auditLog.Query(env.ctx, audit.Filter{
				PrincipalID:  admin,
				ResourceType: "role",
			}, audit.Page{})
			Expect(err).NotTo(HaveOccurred())
			types := make([]audit.EventType, len(res.Entries))
			for i, e := range res.Entries {
				types[i] = e.EventType
			}
			Expect(types).To(Equal([]audit.EventType{
				audit.EventRoleCreated,
				audit.EventRoleUpdated,
				audit.EventRoleDeleted,
			}))
		})

		It("audits revoking an absent assignment as a warning", func() {
			role := createRole(resource + ":read")
			user := unique("erin")
			Expect(service.RevokeRole(env.ctx, user, role.ID, admin)).To(Succeed())

			res, err := auditLog.Query(env.ctx, audit.Filter{
				PrincipalID: admin,
				EventTypes:  []audit.EventType{audit.EventRoleRevoked},
			}, audit.Page{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Entries).To(HaveLen(1))
			Expect(res.Entries[0].Severity).To(Equal(audit.SeverityWarning))
			Expect(res.Entries[0].Details).To(HaveKeyWithValue("outcome", rbac.RevokeOutcomeAbsent))
		})
	})

	Describe("concurrent grants", func() {
		It("converges on one assignment when the same grant races", func() {
			role := createRole(resource + ":read")
			user := unique("frank")

			const workers = 8
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := service.GrantRole(env.ctx, user, role.ID, admin, nil)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}

			assignments, err := service.ListAssignments(env.ctx, user)
			Expect(err).NotTo(HaveOccurred())
			Expect(assignments).To(HaveLen(1))

			res, err := auditLog.Query(env.ctx, audit.Filter{
				PrincipalID: admin,
				EventTypes:  []audit.EventType{audit.EventRoleAssigned},
			}, audit.Page{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Entries).To(HaveLen(workers))
		})
	})

	Describe("transactional audit", func() {
		It("discards audit entries when the surrounding transaction rolls back", func() {
			principal := unique("ghost")
			boom := errors.New("mutation failed")

			err := store.NewTransactor(env.pool).InTransaction(env.ctx, func(ctx context.Context) error {
				_, err := auditLog.Append(ctx, audit.Entry{
					PrincipalID: principal,
					EventType:   audit.EventRoleCreated,
					Severity:    audit.SeverityInfo,
				})
				Expect(err).NotTo(HaveOccurred())
				return boom
			})
			Expect(err).To(MatchError(boom))

			res, err := auditLog.Query(env.ctx, audit.Filter{PrincipalID: principal}, audit.Page{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Entries).To(BeEmpty())
		})
	})
})
