package sync_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wesm/ado-asana-sync/internal/db"
	"github.com/wesm/ado-asana-sync/internal/models"
	"github.com/wesm/ado-asana-sync/internal/sync"
)

var _ = Describe("ReviewerSyncer", func() {
	var (
		ctx      context.Context
		store    *db.DB
		source   *fakeSource
		tasks    *fakeTasks
		syncer   *sync.ReviewerSyncer
		target   *sync.Target
		repo     *models.Repository
		pr       *models.PullRequest
		seen     map[int]bool
		lastStat sync.Stats
	)

	alice := func(vote int) models.Reviewer {
		return models.Reviewer{DisplayName: "Alice", Email: "alice@example.com", VoteCode: vote}
	}
	bob := func(vote int) models.Reviewer {
		return models.Reviewer{DisplayName: "Bob", Email: "Bob@Example.com", VoteCode: vote}
	}

	run := func() {
		GinkgoHelper()
		source.putPullRequest("Alpha", repo, pr)
		seen = make(map[int]bool)
		stats, err := syncer.SyncRepository(ctx, target, repo, sync.ProjectCandidates(tasks, target), seen)
		Expect(err).NotTo(HaveOccurred())
		lastStat = stats
	}

	mappingFor := func(email string) *models.ReviewerMapping {
		GinkgoHelper()
		m, err := store.FindReviewerMapping(pr.ID, email)
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	taskFor := func(email string) *models.Task {
		GinkgoHelper()
		m := mappingFor(email)
		Expect(m).NotTo(BeNil())
		return tasks.task(m.CounterpartID)
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		source = newFakeSource()
		tasks = newFakeTasks()
		syncer = sync.NewReviewerSyncer(source, tasks, store, defaultUsers())
		target = &sync.Target{
			Project:    models.Project{ADOProjectName: "Alpha", ADOTeamName: "Alpha Team", AsanaProjectName: "Board"},
			ProjectGID: "p-Board",
			TagGID:     "tag-synced",
			Workspace:  "ws-1",
		}
		repo = &models.Repository{ID: "repo-1", Name: "web", Project: "Alpha"}
		pr = &models.PullRequest{
			ID:           42,
			RepositoryID: repo.ID,
			Project:      "Alpha",
			Title:        "Add cache",
			Status:       models.PRStatusActive,
			URL:          "https://dev.azure.com/org/Alpha/_git/web/pullrequest/42",
		}
	})

	DescribeTable("mirrors the vote in task completion",
		func(vote int, completed bool) {
			pr.Reviewers = []models.Reviewer{alice(vote)}
			run()

			Expect(lastStat.Created).To(Equal(1))
			task := taskFor("alice@example.com")
			Expect(task.Completed).To(Equal(completed))
			Expect(task.Name).To(Equal("Pull Request 42: Add cache (Alice)"))
			Expect(task.AssigneeID).To(Equal("u-alice"))
			Expect(task.TagIDs).To(ConsistOf("tag-synced"))
		},
		Entry("approved", 10, true),
		Entry("approved with suggestions", 5, true),
		Entry("no vote", 0, false),
		Entry("waiting for author", -5, false),
		Entry("rejected", -10, false),
	)

	It("reopens the task when an approval is reset", func() {
		pr.Reviewers = []models.Reviewer{alice(10)}
		run()
		Expect(taskFor("alice@example.com").Completed).To(BeTrue())

		pr.Reviewers = []models.Reviewer{alice(0)}
		run()
		Expect(lastStat.Updated).To(Equal(1))
		Expect(taskFor("alice@example.com").Completed).To(BeFalse())
		Expect(mappingFor("alice@example.com").VoteState).To(Equal(models.VoteNoVote))
	})

	It("records vote changes that do not cross the approval line without touching Asana", func() {
		pr.Reviewers = []models.Reviewer{alice(0)}
		run()
		_, updates, _ := tasks.counts()

		pr.Reviewers = []models.Reviewer{alice(-10)}
		run()
		Expect(lastStat.Updated).To(Equal(1))
		_, after, _ := tasks.counts()
		Expect(after).To(Equal(updates))
		Expect(mappingFor("alice@example.com").VoteState).To(Equal(models.VoteRejected))
	})

	It("is idempotent", func() {
		pr.Reviewers = []models.Reviewer{alice(10), bob(0)}
		run()
		Expect(lastStat.Created).To(Equal(2))

		run()
		Expect(lastStat.Created).To(BeZero())
		Expect(lastStat.Updated).To(BeZero())
		Expect(lastStat.Skipped).To(Equal(2))

		creates, updates, _ := tasks.counts()
		Expect(creates).To(Equal(2))
		Expect(updates).To(BeZero())
	})

	It("renames tasks when the pull request title changes", func() {
		pr.Reviewers = []models.Reviewer{alice(0)}
		run()

		pr.Title = "Add read-through cache"
		run()
		Expect(taskFor("alice@example.com").Name).To(Equal("Pull Request 42: Add read-through cache (Alice)"))
		Expect(mappingFor("alice@example.com").RequestTitle).To(Equal("Add read-through cache"))
	})

	It("closes and forgets the task of a removed reviewer", func() {
		pr.Reviewers = []models.Reviewer{alice(0), bob(0)}
		run()
		bobTask := mappingFor("bob@example.com").CounterpartID

		pr.Reviewers = []models.Reviewer{alice(0)}
		run()
		Expect(lastStat.Removed).To(Equal(1))
		Expect(mappingFor("bob@example.com")).To(BeNil())
		Expect(tasks.task(bobTask).Completed).To(BeTrue())
		Expect(taskFor("alice@example.com").Completed).To(BeFalse())
	})

	It("retires every task when all reviewers are removed", func() {
		pr.Reviewers = []models.Reviewer{alice(0), bob(-5)}
		run()

		pr.Reviewers = nil
		run()
		Expect(lastStat.Removed).To(Equal(2))
		remaining, err := store.ReviewerMappingsForRequest(pr.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(BeEmpty())
	})

	It("forgets a removed reviewer whose task was already deleted", func() {
		pr.Reviewers = []models.Reviewer{alice(0), bob(0)}
		run()
		tasks.remove(mappingFor("bob@example.com").CounterpartID)

		pr.Reviewers = []models.Reviewer{alice(0)}
		run()
		Expect(lastStat.Removed).To(Equal(1))
		Expect(lastStat.Errored).To(BeZero())
		Expect(mappingFor("bob@example.com")).To(BeNil())
	})

	It("skips reviewers without an email or an Asana account", func() {
		pr.Reviewers = []models.Reviewer{
			{DisplayName: "Build Service", VoteCode: 10},
			{DisplayName: "Carol", Email: "carol@example.com", VoteCode: 0},
			alice(0),
		}
		run()
		Expect(lastStat.Created).To(Equal(1))
		Expect(lastStat.Skipped).To(Equal(2))
		Expect(mappingFor("carol@example.com")).To(BeNil())
	})

	It("keeps one task per reviewer when ADO lists them twice", func() {
		pr.Reviewers = []models.Reviewer{alice(0), {DisplayName: "Alice", Email: "ALICE@example.com", VoteCode: 0}}
		run()
		Expect(lastStat.Created).To(Equal(1))
		creates, _, _ := tasks.counts()
		Expect(creates).To(Equal(1))
	})

	It("treats unknown vote codes as no vote and warns", func() {
		pr.Reviewers = []models.Reviewer{alice(7)}
		run()
		Expect(taskFor("alice@example.com").Completed).To(BeFalse())
		Expect(mappingFor("alice@example.com").VoteState).To(Equal(models.VoteNoVote))
		Expect(logs.Count("WARN")).To(Equal(1))
	})

	It("adopts an existing task with the reviewer title", func() {
		seeded := tasks.seed("p-Board", "Pull Request 42: Add cache (Alice)")
		pr.Reviewers = []models.Reviewer{alice(10)}
		run()

		Expect(mappingFor("alice@example.com").CounterpartID).To(Equal(seeded.GID))
		Expect(tasks.task(seeded.GID).Completed).To(BeTrue())
		creates, _, _ := tasks.counts()
		Expect(creates).To(BeZero())
	})

	It("does not take over a task another reviewer owns when titles collide", func() {
		pr.Reviewers = []models.Reviewer{alice(10)}
		run()
		aliceTask := mappingFor("alice@example.com").CounterpartID

		namesake := models.Reviewer{DisplayName: "Alice", Email: "bob@example.com", VoteCode: 0}
		pr.Reviewers = []models.Reviewer{alice(10), namesake}
		run()
		Expect(lastStat.Created).To(Equal(1))
		Expect(lastStat.Errored).To(BeZero())

		task := tasks.task(aliceTask)
		Expect(task.Completed).To(BeTrue())
		Expect(task.AssigneeID).To(Equal("u-alice"))

		other := mappingFor("bob@example.com")
		Expect(other).NotTo(BeNil())
		Expect(other.CounterpartID).NotTo(Equal(aliceTask))
		Expect(tasks.task(other.CounterpartID).AssigneeID).To(Equal("u-bob"))
	})

	It("recreates a reviewer task deleted in Asana", func() {
		pr.Reviewers = []models.Reviewer{alice(0)}
		run()
		deleted := mappingFor("alice@example.com").CounterpartID
		tasks.remove(deleted)

		pr.Reviewers = []models.Reviewer{alice(10)}
		run()
		Expect(lastStat.Created).To(Equal(1))
		Expect(lastStat.Errored).To(BeZero())

		m := mappingFor("alice@example.com")
		Expect(m.CounterpartID).NotTo(Equal(deleted))
		Expect(m.VoteState).To(Equal(models.VoteApproved))
		Expect(tasks.task(m.CounterpartID).Completed).To(BeTrue())

		run()
		Expect(lastStat.Skipped).To(Equal(1))
	})

	Describe("finished pull requests", func() {
		BeforeEach(func() {
			pr.Reviewers = []models.Reviewer{alice(10), bob(0)}
			run()
		})

		for _, status := range []string{models.PRStatusCompleted, models.PRStatusAbandoned} {
			It("closes every reviewer task once the request is "+status, func() {
				aliceTask := mappingFor("alice@example.com").CounterpartID
				bobTask := mappingFor("bob@example.com").CounterpartID

				pr.Status = status
				run()
				Expect(seen).NotTo(HaveKey(pr.ID))

				stats := syncer.SweepClosed(ctx, target, seen)
				Expect(stats.Removed).To(Equal(2))
				Expect(tasks.task(aliceTask).Completed).To(BeTrue())
				Expect(tasks.task(bobTask).Completed).To(BeTrue())

				remaining, err := store.ReviewerMappingsForRequest(pr.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(remaining).To(BeEmpty())
			})
		}

		It("cleans up requests that no longer exist", func() {
			source.mu.Lock()
			delete(source.prs, pr.ID)
			source.mu.Unlock()

			stats := syncer.SweepClosed(ctx, target, map[int]bool{})
			Expect(stats.Removed).To(Equal(2))
			Expect(mappingFor("alice@example.com")).To(BeNil())
		})

		It("leaves requests seen in this run alone", func() {
			stats := syncer.SweepClosed(ctx, target, seen)
			Expect(stats).To(Equal(sync.Stats{}))
			Expect(mappingFor("bob@example.com")).NotTo(BeNil())
		})
	})
})
