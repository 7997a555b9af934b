package services_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/events"
	"imagesearch/internal/logger"
	"imagesearch/internal/search"
	"imagesearch/internal/services"
	"imagesearch/internal/store/inmemory"
	"imagesearch/internal/testutils"
)

var _ = Describe("Library", func() {
	var (
		ctx      context.Context
		driver   *inmemory.Driver
		provider *testutils.MockProvider
		bus      *events.Bus
		library  *services.Library
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		Expect(driver.Init(ctx)).To(Succeed())
		provider = testutils.NewMockProvider()
		bus = events.NewBus(logger.Nop())
		DeferCleanup(bus.Close)

		pipeline := services.NewPipeline(services.PipelineConfig{
			Store:    driver,
			Provider: provider,
			Bus:      bus,
			Logger:   logger.Nop(),
		})
		DeferCleanup(func() { _ = pipeline.Shutdown(context.Background()) })

		library = services.NewLibrary(services.LibraryConfig{
			Store:     driver,
			Provider:  provider,
			Pipeline:  pipeline,
			Bus:       bus,
			Logger:    logger.Nop(),
			Threshold: search.DefaultThreshold,
		})
	})

	// ready stores a record with a known embedding, bypassing the pipeline.
	ready := func(name string, vec ...float32) int64 {
		id, err := driver.Save(ctx, []byte(name), name+".png", "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(driver.UpdateEmbedding(ctx, id, vec)).To(Succeed())
		return id
	}

	Describe("Save", func() {
		It("stores a pending record and embeds it in the background", func() {
			uploaded := &eventLog{}
			library.Subscribe(events.TopicImageUploaded, uploaded.handle)
			provider.Set("cat-bytes", []float32{0, 1})

			img, err := library.Save(ctx, "cat.png", "image/png", []byte("cat-bytes"))
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Name).To(Equal("cat.png"))
			Expect(img.Size).To(Equal(int64(len("cat-bytes"))))

			Eventually(uploaded.all).Should(ConsistOf(events.Event{
				Topic:   events.TopicImageUploaded,
				Payload: events.ImageEvent{ID: img.ID},
			}))
			Eventually(func() []float32 {
				got, err := library.Get(ctx, img.ID)
				Expect(err).NotTo(HaveOccurred())
				return got.Embedding
			}).Should(Equal([]float32{0, 1}))
		})

		It("keeps the record when embedding fails", func() {
			provider.FailOn("broken")

			img, err := library.Save(ctx, "broken.jpg", "image/jpeg", []byte("broken"))
			Expect(err).NotTo(HaveOccurred())

			Eventually(provider.Calls).Should(Equal(1))
			Consistently(func() bool {
				got, err := library.Get(ctx, img.ID)
				Expect(err).NotTo(HaveOccurred())
				return got.Pending()
			}, "50ms").Should(BeTrue())

			images, err := library.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(HaveLen(1))
		})

		It("derives the mime type from the file name when absent", func() {
			img, err := library.Save(ctx, "photo.JPG", "application/octet-stream", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(img.MimeType).To(Equal("image/jpeg"))

			_, mimeType, err := library.FetchPayload(ctx, img.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(mimeType).To(Equal("image/jpeg"))
		})

		It("rejects non-image content", func() {
			_, err := library.Save(ctx, "notes.txt", "text/plain", []byte("hello"))
			Expect(imgerr.IsInvalidInput(err)).To(BeTrue())

			_, err = library.Save(ctx, "empty.png", "image/png", nil)
			Expect(imgerr.IsInvalidInput(err)).To(BeTrue())

			usage, err := library.StorageUsage(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(usage).To(BeZero())
		})

		It("strips directories from the name", func() {
			img, err := library.Save(ctx, "../../etc/cat.png", "image/png", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Name).To(Equal("cat.png"))
		})
	})

	Describe("DeleteOne", func() {
		It("removes the record and announces it", func() {
			deleted := &eventLog{}
			library.Subscribe(events.TopicImageDeleted, deleted.handle)
			id := ready("a", 1, 0)

			Expect(library.DeleteOne(ctx, id)).To(Succeed())
			_, err := library.Get(ctx, id)
			Expect(imgerr.IsNotFound(err)).To(BeTrue())
			Eventually(deleted.all).Should(HaveLen(1))
		})

		It("reports unknown ids without publishing", func() {
			deleted := &eventLog{}
			library.Subscribe(events.TopicImageDeleted, deleted.handle)

			Expect(imgerr.IsNotFound(library.DeleteOne(ctx, 77))).To(BeTrue())
			Consistently(deleted.all, "50ms").Should(BeEmpty())
		})
	})

	Describe("DeleteAll", func() {
		It("clears the library and announces it", func() {
			cleared := &eventLog{}
			library.Subscribe(events.TopicImagesCleared, cleared.handle)
			ready("a", 1, 0)
			ready("b", 0, 1)

			Expect(library.DeleteAll(ctx)).To(Succeed())

			images, err := library.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(BeEmpty())
			usage, err := library.StorageUsage(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(usage).To(BeZero())
			Eventually(cleared.all).Should(HaveLen(1))
		})
	})

	Describe("Search", func() {
		It("ranks ready images against a text query", func() {
			a := ready("a", 1, 0)
			b := ready("b", 0.6, 0.8)
			ready("c", 0, 1)
			_, err := driver.Save(ctx, []byte("pending"), "pending.png", "image/png")
			Expect(err).NotTo(HaveOccurred())
			provider.Set("red bicycle", []float32{1, 0})

			matches, err := library.Search(ctx, services.Query{Text: "red bicycle"}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(matches).To(HaveLen(2))
			Expect(matches[0].ID).To(Equal(a))
			Expect(matches[0].Name).To(Equal("a.png"))
			Expect(matches[1].ID).To(Equal(b))
			Expect(matches[1].Similarity).To(BeNumerically("~", 0.6, 1e-6))
			Expect(provider.Modalities()).To(ContainElement(BeEquivalentTo("text")))
		})

		It("honours a threshold override", func() {
			ready("a", 1, 0)
			ready("b", 0.6, 0.8)

			strict := 0.9
			matches, err := library.Search(ctx, services.Query{Vector: []float32{1, 0}}, &strict)
			Expect(err).NotTo(HaveOccurred())
			Expect(matches).To(HaveLen(1))

			impossible := 1.1
			matches, err = library.Search(ctx, services.Query{Vector: []float32{1, 0}}, &impossible)
			Expect(err).NotTo(HaveOccurred())
			Expect(matches).To(BeEmpty())
		})

		It("rejects an empty query", func() {
			_, err := library.Search(ctx, services.Query{Text: "   "}, nil)
			Expect(imgerr.IsInvalidInput(err)).To(BeTrue())
		})

		It("propagates provider failures", func() {
			provider.FailOn("sunset")
			_, err := library.Search(ctx, services.Query{Text: "sunset"}, nil)
			Expect(imgerr.IsProviderError(err)).To(BeTrue())
		})
	})
})
