package sync_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wesm/ado-asana-sync/internal/db"
	"github.com/wesm/ado-asana-sync/internal/models"
	"github.com/wesm/ado-asana-sync/internal/sync"
)

var _ = Describe("ParseDueDate", func() {
	DescribeTable("normalizes ADO due dates",
		func(raw, want string, warnings int) {
			Expect(sync.ParseDueDate(context.Background(), raw)).To(Equal(want))
			Expect(logs.Count("WARN")).To(Equal(warnings))
		},
		Entry("absent", "", "", 0),
		Entry("whitespace", "   ", "", 0),
		Entry("RFC 3339", "2025-03-15T00:00:00Z", "2025-03-15", 0),
		Entry("fractional seconds", "2025-03-15T08:30:00.123Z", "2025-03-15", 0),
		Entry("no zone", "2025-03-15T08:30:00", "2025-03-15", 0),
		Entry("date only", "2025-03-15", "2025-03-15", 0),
		Entry("garbage", "next tuesday", "", 1),
		Entry("impossible date", "2025-02-30", "", 1),
	)
})

var _ = Describe("Candidates", func() {
	It("loads the project listing once and hides claimed tasks", func() {
		tasks := newFakeTasks()
		seeded := tasks.seed("p-Board", "Bug 1: Fix login")
		target := &sync.Target{ProjectGID: "p-Board"}
		candidates := sync.ProjectCandidates(tasks, target)

		found, err := candidates.Find(context.Background(), "Bug 1: Fix login")
		Expect(err).NotTo(HaveOccurred())
		Expect(found.GID).To(Equal(seeded.GID))

		candidates.Claim(found)
		found, err = candidates.Find(context.Background(), "Bug 1: Fix login")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeNil())
		Expect(tasks.listCalls).To(Equal(1))
	})

	It("tolerates a nil index", func() {
		var candidates *sync.Candidates
		Expect(func() { candidates.Claim(&models.Task{GID: "x"}) }).NotTo(Panic())
	})
})

var _ = Describe("ItemSyncer", func() {
	var (
		ctx        context.Context
		store      *db.DB
		tasks      *fakeTasks
		syncer     *sync.ItemSyncer
		target     *sync.Target
		candidates *sync.Candidates
	)

	workItem := func(id, rev int, state string) *models.WorkItem {
		return &models.WorkItem{
			ID:       id,
			Rev:      rev,
			Title:    "Fix login",
			Type:     "Bug",
			State:    state,
			URL:      "https://dev.azure.com/org/Alpha/_workitems/edit/1",
			Assignee: &models.Identity{DisplayName: "Alice", Email: "Alice@Example.com"},
		}
	}

	syncItem := func(item *models.WorkItem) sync.Outcome {
		GinkgoHelper()
		outcome, err := syncer.Sync(ctx, target, item, candidates)
		Expect(err).NotTo(HaveOccurred())
		return outcome
	}

	mappingFor := func(id int) *models.TaskMapping {
		GinkgoHelper()
		m, err := store.FindTaskMapping(id)
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		tasks = newFakeTasks()
		syncer = sync.NewItemSyncer(tasks, store, defaultUsers(), []string{"Closed", "Removed", "Done"}, 30)
		target = &sync.Target{
			Project:    models.Project{ADOProjectName: "Alpha", ADOTeamName: "Alpha Team", AsanaProjectName: "Board"},
			ProjectGID: "p-Board",
			TagGID:     "tag-synced",
			Workspace:  "ws-1",
		}
		candidates = sync.ProjectCandidates(tasks, target)
	})

	Describe("initial sync", func() {
		It("creates a tagged, assigned task carrying the due date", func() {
			item := workItem(1, 1, "Active")
			item.DueDateRaw = "2025-03-15T00:00:00Z"

			Expect(syncItem(item)).To(Equal(sync.OutcomeCreated))

			m := mappingFor(1)
			Expect(m).NotTo(BeNil())
			Expect(m.DueDate).To(Equal("2025-03-15"))
			Expect(m.AssignedUserEmail).To(Equal("alice@example.com"))
			Expect(m.ClosedSince).To(BeNil())

			task := tasks.task(m.CounterpartID)
			Expect(task.Name).To(Equal("Bug 1: Fix login"))
			Expect(task.AssigneeID).To(Equal("u-alice"))
			Expect(task.DueOn).To(Equal("2025-03-15"))
			Expect(task.TagIDs).To(ConsistOf("tag-synced"))
			Expect(task.Completed).To(BeFalse())
			Expect(m.CounterpartUpdatedAt).To(BeTemporally("==", task.ModifiedAt))
		})

		It("does nothing on a second pass with no changes", func() {
			item := workItem(1, 1, "Active")
			Expect(syncItem(item)).To(Equal(sync.OutcomeCreated))
			Expect(syncItem(item)).To(Equal(sync.OutcomeSkipped))

			creates, updates, tagAdds := tasks.counts()
			Expect(creates).To(Equal(1))
			Expect(updates).To(Equal(0))
			Expect(tagAdds).To(Equal(0))
		})

		It("skips items without an assignee", func() {
			item := workItem(1, 1, "Active")
			item.Assignee = nil

			Expect(syncItem(item)).To(Equal(sync.OutcomeSkipped))
			Expect(mappingFor(1)).To(BeNil())
		})

		It("skips items whose assignee has no Asana account", func() {
			item := workItem(1, 1, "Active")
			item.Assignee.Email = "carol@example.com"

			Expect(syncItem(item)).To(Equal(sync.OutcomeSkipped))
			Expect(mappingFor(1)).To(BeNil())
			creates, _, _ := tasks.counts()
			Expect(creates).To(BeZero())
		})

		It("creates already-closed items as completed with closed_since set", func() {
			Expect(syncItem(workItem(1, 1, "done"))).To(Equal(sync.OutcomeCreated))

			m := mappingFor(1)
			Expect(m.ClosedSince).NotTo(BeNil())
			Expect(tasks.task(m.CounterpartID).Completed).To(BeTrue())
		})

		It("logs one warning and omits an unparseable due date", func() {
			item := workItem(1, 1, "Active")
			item.DueDateRaw = "sometime soon"

			Expect(syncItem(item)).To(Equal(sync.OutcomeCreated))

			m := mappingFor(1)
			Expect(m.DueDate).To(BeEmpty())
			Expect(tasks.task(m.CounterpartID).DueOn).To(BeEmpty())
			Expect(logs.Count("WARN")).To(Equal(1))
		})

		It("retries without the due date when Asana rejects it", func() {
			tasks.rejectDueDates = true
			item := workItem(1, 1, "Active")
			item.DueDateRaw = "2025-03-15"

			Expect(syncItem(item)).To(Equal(sync.OutcomeCreated))

			m := mappingFor(1)
			Expect(m.DueDate).To(BeEmpty())
			Expect(tasks.task(m.CounterpartID).DueOn).To(BeEmpty())
			Expect(logs.Count("WARN")).To(Equal(1))
		})

		It("adopts an unowned task with the expected title instead of creating one", func() {
			seeded := tasks.seed("p-Board", "Bug 1: Fix login")
			item := workItem(1, 1, "Active")
			item.DueDateRaw = "2025-03-15"

			Expect(syncItem(item)).To(Equal(sync.OutcomeCreated))

			m := mappingFor(1)
			Expect(m.CounterpartID).To(Equal(seeded.GID))
			Expect(m.DueDate).To(BeEmpty())

			task := tasks.task(seeded.GID)
			Expect(task.AssigneeID).To(Equal("u-alice"))
			Expect(task.TagIDs).To(ContainElement("tag-synced"))
			Expect(task.DueOn).To(BeEmpty())

			creates, _, _ := tasks.counts()
			Expect(creates).To(BeZero())
			Expect(syncItem(item)).To(Equal(sync.OutcomeSkipped))
		})

		It("does not adopt a task another mapping owns", func() {
			Expect(syncItem(workItem(1, 1, "Active"))).To(Equal(sync.OutcomeCreated))
			owned := mappingFor(1).CounterpartID

			// a second item whose title collides with the first task
			other := workItem(1, 1, "Active")
			other.ID = 2
			other.Title = "Fix login"
			tasks.edit(owned, func(t *models.Task) { t.Name = "Bug 2: Fix login" })
			candidates = sync.ProjectCandidates(tasks, target)

			Expect(syncItem(other)).To(Equal(sync.OutcomeCreated))
			Expect(mappingFor(2).CounterpartID).NotTo(Equal(owned))
		})
	})

	Describe("reconcile", func() {
		var gid string

		BeforeEach(func() {
			item := workItem(1, 1, "Active")
			item.DueDateRaw = "2025-03-15"
			Expect(syncItem(item)).To(Equal(sync.OutcomeCreated))
			gid = mappingFor(1).CounterpartID
		})

		It("pushes title changes and never rewrites the due date", func() {
			tasks.edit(gid, func(t *models.Task) { t.DueOn = "2026-06-01" })

			item := workItem(1, 2, "Active")
			item.Title = "Fix login redirect"
			item.DueDateRaw = "2025-04-01"
			Expect(syncItem(item)).To(Equal(sync.OutcomeUpdated))

			task := tasks.task(gid)
			Expect(task.Name).To(Equal("Bug 1: Fix login redirect"))
			Expect(task.DueOn).To(Equal("2026-06-01"))
			Expect(mappingFor(1).DueDate).To(Equal("2025-03-15"))
			Expect(tasks.notes[gid]).To(ContainSubstring("Fix login redirect"))

			Expect(syncItem(item)).To(Equal(sync.OutcomeSkipped))
		})

		It("completes the task when the item closes and reopens it after", func() {
			Expect(syncItem(workItem(1, 2, "Closed"))).To(Equal(sync.OutcomeUpdated))
			Expect(tasks.task(gid).Completed).To(BeTrue())
			Expect(mappingFor(1).ClosedSince).NotTo(BeNil())

			Expect(syncItem(workItem(1, 3, "Active"))).To(Equal(sync.OutcomeUpdated))
			Expect(tasks.task(gid).Completed).To(BeFalse())
			Expect(mappingFor(1).ClosedSince).To(BeNil())
		})

		It("keeps the original closed_since while the item stays closed", func() {
			Expect(syncItem(workItem(1, 2, "Closed"))).To(Equal(sync.OutcomeUpdated))
			first := *mappingFor(1).ClosedSince

			Expect(syncItem(workItem(1, 3, "Removed"))).To(Equal(sync.OutcomeUpdated))
			Expect(*mappingFor(1).ClosedSince).To(BeTemporally("==", first))
		})

		It("undoes a completion made in Asana while the item is open", func() {
			tasks.edit(gid, func(t *models.Task) { t.Completed = true })

			Expect(syncItem(workItem(1, 1, "Active"))).To(Equal(sync.OutcomeUpdated))
			Expect(tasks.task(gid).Completed).To(BeFalse())

			_, updates, _ := tasks.counts()
			Expect(syncItem(workItem(1, 1, "Active"))).To(Equal(sync.OutcomeSkipped))
			_, after, _ := tasks.counts()
			Expect(after).To(Equal(updates))
		})

		It("leaves unrelated Asana edits alone when the item did not change", func() {
			tasks.edit(gid, func(t *models.Task) { t.Name = "renamed by a human" })

			Expect(syncItem(workItem(1, 1, "Active"))).To(Equal(sync.OutcomeSkipped))
			Expect(tasks.task(gid).Name).To(Equal("renamed by a human"))
			Expect(syncItem(workItem(1, 1, "Active"))).To(Equal(sync.OutcomeSkipped))
		})

		It("follows assignee changes and clears unmatched assignees", func() {
			item := workItem(1, 2, "Active")
			item.Assignee.Email = "bob@example.com"
			Expect(syncItem(item)).To(Equal(sync.OutcomeUpdated))
			Expect(tasks.task(gid).AssigneeID).To(Equal("u-bob"))

			item = workItem(1, 3, "Active")
			item.Assignee.Email = "carol@example.com"
			Expect(syncItem(item)).To(Equal(sync.OutcomeUpdated))
			Expect(tasks.task(gid).AssigneeID).To(BeEmpty())

			m := mappingFor(1)
			Expect(m.AssignedUserEmail).To(Equal("carol@example.com"))
			Expect(m.AssigneeID).To(BeEmpty())
		})

		It("re-applies a removed marker tag", func() {
			tasks.edit(gid, func(t *models.Task) { t.TagIDs = nil })

			Expect(syncItem(workItem(1, 1, "Active"))).To(Equal(sync.OutcomeUpdated))
			Expect(tasks.task(gid).TagIDs).To(ConsistOf("tag-synced"))
			Expect(syncItem(workItem(1, 1, "Active"))).To(Equal(sync.OutcomeSkipped))
		})

		It("recreates a task deleted in Asana", func() {
			tasks.remove(gid)

			Expect(syncItem(workItem(1, 2, "Active"))).To(Equal(sync.OutcomeCreated))

			m := mappingFor(1)
			Expect(m.CounterpartID).NotTo(Equal(gid))
			Expect(tasks.task(m.CounterpartID)).NotTo(BeNil())
		})
	})

	Describe("Sweep", func() {
		closeItem := func(id int, closedFor time.Duration, now time.Time) {
			GinkgoHelper()
			item := workItem(id, 1, "Closed")
			item.Title = "Closed thing"
			Expect(syncItem(item)).To(Equal(sync.OutcomeCreated))
			m := mappingFor(id)
			since := now.Add(-closedFor)
			m.ClosedSince = &since
			Expect(store.UpdateTaskMapping(m)).To(Succeed())
		}

		It("forgets closed items only once the retention window has passed", func() {
			now := time.Now().UTC().Truncate(time.Second)
			day := 24 * time.Hour
			closeItem(1, 29*day, now)
			closeItem(2, 30*day, now)
			closeItem(3, 31*day, now)
			Expect(syncItem(workItem(4, 1, "Active"))).To(Equal(sync.OutcomeCreated))
			expiredTask := mappingFor(3).CounterpartID

			removed, err := syncer.Sweep(ctx, target, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))

			Expect(mappingFor(1)).NotTo(BeNil())
			Expect(mappingFor(2)).NotTo(BeNil())
			Expect(mappingFor(3)).To(BeNil())
			Expect(mappingFor(4)).NotTo(BeNil())
			Expect(tasks.task(expiredTask)).NotTo(BeNil())
		})

		It("starts the clock for closed mappings without closed_since", func() {
			now := time.Now().UTC().Truncate(time.Second)
			Expect(store.InsertTaskMapping(&models.TaskMapping{
				SourceID:      9,
				SourceRev:     1,
				Project:       "Alpha",
				CounterpartID: "legacy-9",
				Title:         "Old",
				ItemType:      "Task",
				State:         "Done",
			})).To(Succeed())

			removed, err := syncer.Sweep(ctx, target, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeZero())

			m := mappingFor(9)
			Expect(m.ClosedSince).NotTo(BeNil())
			Expect(*m.ClosedSince).To(BeTemporally("~", now, time.Second))
		})

		It("removes everything closed when the window is zero", func() {
			syncer = sync.NewItemSyncer(tasks, store, defaultUsers(), []string{"Closed"}, -5)
			now := time.Now().UTC()
			closeItem(1, time.Minute, now)

			removed, err := syncer.Sweep(ctx, target, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))
		})
	})
})
