//go:build integration

package integration

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
	"github.com/iujab/vm-terminal-sub000/internal/events"
	"github.com/iujab/vm-terminal-sub000/internal/export"
	"github.com/iujab/vm-terminal-sub000/internal/infra"
	"github.com/iujab/vm-terminal-sub000/internal/usecase"
	"github.com/iujab/vm-terminal-sub000/test/fixtures"
)

func awaitResult(s usecase.Submission) domain.ActionResult {
	Expect(s.Accepted).To(BeTrue(), s.Reason)
	var res domain.ActionResult
	Eventually(s.Result, 5*time.Second).Should(Receive(&res))
	return res
}

var _ = Describe("Recorded session", func() {
	var (
		tmpDir      string
		browser     *fixtures.FakeBrowser
		store       domain.RecordingStore
		closeStore  func() error
		bus         *events.Bus
		coordinator *usecase.Coordinator
		recorder    *usecase.Recorder
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "cobrowse-integration-*")
		Expect(err).NotTo(HaveOccurred())

		store, closeStore, err = infra.OpenRecordingStore("file", tmpDir)
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		browser = fixtures.NewFakeBrowser("https://example.com")
		bus = events.NewBus(logger)

		cfg := usecase.DefaultCoordinatorConfig()
		cfg.Quantum = 0
		coordinator = usecase.NewCoordinator(cfg, browser, clock.RealClock{}, bus, nil, logger)
		recorder = usecase.NewRecorder(store, clock.RealClock{}, 0, logger)
		coordinator.AddSink(usecase.NewRecordingSink(recorder, browser, logger))
	})

	AfterEach(func() {
		coordinator.Close()
		bus.Close()
		Expect(closeStore()).To(Succeed())
		os.RemoveAll(tmpDir)
	})

	Describe("recording through the coordinator", func() {
		It("captures every executed action in order with screenshots", func() {
			_, err := recorder.StartRecording("checkout", browser.URL())
			Expect(err).NotTo(HaveOccurred())

			awaitResult(coordinator.Submit(domain.ActorHuman, domain.Navigate{URL: "https://example.com/cart"}, usecase.SubmitOptions{}))
			awaitResult(coordinator.Submit(domain.ActorAgent, domain.Click{X: 10, Y: 20}, usecase.SubmitOptions{}))
			awaitResult(coordinator.Submit(domain.ActorAgent, domain.TypeText{Text: "hello", Selector: "#q"}, usecase.SubmitOptions{}))

			rec, err := recorder.StopRecording()
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Actions).To(HaveLen(3))
			Expect(rec.Actions[0].Action).To(Equal(domain.Navigate{URL: "https://example.com/cart"}))
			Expect(rec.Screenshots).To(HaveLen(3))
			Expect(rec.Screenshots[2].AfterAction).To(Equal(rec.Actions[2].ID))

			stored, err := recorder.GetRecording(rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Summary().ActionCount).To(Equal(3))
			Expect(stored.EndTime).NotTo(BeNil())
		})

		It("records failed actions without a screenshot", func() {
			browser.Missing["#gone"] = true
			_, err := recorder.StartRecording("", browser.URL())
			Expect(err).NotTo(HaveOccurred())

			res := awaitResult(coordinator.Submit(domain.ActorAgent, domain.Click{Selector: "#gone"}, usecase.SubmitOptions{}))
			Expect(res.Success).To(BeFalse())
			Expect(res.Error).To(ContainSubstring("no element"))

			rec, err := recorder.StopRecording()
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Actions).To(HaveLen(1))
			Expect(rec.Actions[0].Result.Success).To(BeFalse())
			Expect(rec.Screenshots).To(BeEmpty())
		})

		It("ignores actions executed while not recording", func() {
			awaitResult(coordinator.Submit(domain.ActorHuman, domain.Reload{}, usecase.SubmitOptions{}))

			list, err := recorder.ListRecordings()
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(BeEmpty())
		})
	})

	Describe("arbitration", func() {
		It("refuses the agent while the human holds the lock", func() {
			granted, _ := coordinator.RequestLock(domain.ActorHuman, time.Minute)
			Expect(granted).To(BeTrue())

			sub := coordinator.Submit(domain.ActorAgent, domain.Reload{}, usecase.SubmitOptions{})
			Expect(sub.Accepted).To(BeFalse())

			released, _ := coordinator.ReleaseLock(domain.ActorHuman)
			Expect(released).To(BeTrue())
			awaitResult(coordinator.Submit(domain.ActorAgent, domain.Reload{}, usecase.SubmitOptions{}))
		})

		It("keeps human-only mode out of the agent's reach", func() {
			ok, _ := coordinator.SetMode(domain.ModeHumanOnly, domain.ActorHuman)
			Expect(ok).To(BeTrue())

			ok, _ = coordinator.SetMode(domain.ModeShared, domain.ActorAgent)
			Expect(ok).To(BeFalse())
			Expect(coordinator.State().Mode).To(Equal(domain.ModeHumanOnly))
		})
	})

	Describe("playback", func() {
		It("replays a stored recording against the browser", func() {
			_, err := recorder.StartRecording("replay me", browser.URL())
			Expect(err).NotTo(HaveOccurred())
			awaitResult(coordinator.Submit(domain.ActorHuman, domain.Navigate{URL: "https://example.com/a"}, usecase.SubmitOptions{}))
			awaitResult(coordinator.Submit(domain.ActorHuman, domain.Scroll{DeltaY: 300}, usecase.SubmitOptions{}))
			rec, err := recorder.StopRecording()
			Expect(err).NotTo(HaveOccurred())

			browser.Reset()
			done := make(chan struct{}, 1)
			sub := bus.Subscribe(func(e events.Event) {
				if e.Type == events.PlaybackComplete {
					done <- struct{}{}
				}
			})
			defer sub.Close()

			player := usecase.NewPlayer(usecase.DefaultPlayerConfig(), recorder, browser, clock.RealClock{}, bus, nil, zap.NewNop())
			state, err := player.StartPlayback(rec.ID, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.TotalActions).To(Equal(2))

			Eventually(done, 10*time.Second).Should(Receive())
			Expect(browser.Executed()).To(HaveLen(2))
			Expect(browser.URL()).To(Equal("https://example.com/a"))

			_, active := player.State()
			Expect(active).To(BeFalse())
		})
	})

	Describe("export and import", func() {
		It("round-trips a recording through the json format", func() {
			_, err := recorder.StartRecording("portable", browser.URL())
			Expect(err).NotTo(HaveOccurred())
			awaitResult(coordinator.Submit(domain.ActorAgent, domain.Press{Key: "Enter", Modifiers: []string{"Control"}}, usecase.SubmitOptions{}))
			rec, err := recorder.StopRecording()
			Expect(err).NotTo(HaveOccurred())

			formats := export.NewRegistry()
			doc, err := formats.Export(rec, "json")
			Expect(err).NotTo(HaveOccurred())

			_, err = recorder.DeleteRecording(rec.ID)
			Expect(err).NotTo(HaveOccurred())

			imported, skipped, err := export.ImportJSON([]byte(doc))
			Expect(err).NotTo(HaveOccurred())
			Expect(skipped).To(BeEmpty())
			Expect(recorder.SaveRecording(imported)).To(Succeed())

			restored, err := recorder.GetRecording(rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(restored.Actions).To(HaveLen(1))
			Expect(restored.Actions[0].Action).To(Equal(domain.Press{Key: "Enter", Modifiers: []string{"Control"}}))
		})

		DescribeTable("renders runnable scripts",
			func(format, marker string) {
				_, err := recorder.StartRecording("script", "https://example.com")
				Expect(err).NotTo(HaveOccurred())
				awaitResult(coordinator.Submit(domain.ActorHuman, domain.Navigate{URL: "https://example.com/login"}, usecase.SubmitOptions{}))
				rec, err := recorder.StopRecording()
				Expect(err).NotTo(HaveOccurred())

				out, err := export.NewRegistry().Export(rec, format)
				Expect(err).NotTo(HaveOccurred())
				Expect(out).To(ContainSubstring(marker))
				Expect(out).To(ContainSubstring("https://example.com/login"))
			},
			Entry("playwright", "playwright", "page.goto"),
			Entry("puppeteer", "puppeteer", "page.goto"),
			Entry("cypress", "cypress", "cy.visit"),
		)
	})
})
