package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"imagesearch/internal/events"
	"imagesearch/internal/handlers"
	"imagesearch/internal/logger"
	"imagesearch/internal/services"
	"imagesearch/internal/store/inmemory"
	"imagesearch/internal/testutils"
	"imagesearch/internal/thumbnail"
)

func TestHandlers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Handlers Suite")
}

func pngBytes() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, imaging.New(32, 16, color.NRGBA{R: 200, A: 255}))).To(Succeed())
	return buf.Bytes()
}

func multipartBody(field, filename string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile(field, filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = fw.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(mw.Close()).To(Succeed())
	return body, mw.FormDataContentType()
}

type imageJSON struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum"`
	Status       string `json:"status"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type problemJSON struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

var _ = Describe("Handlers", func() {
	var (
		ctx      context.Context
		driver   *inmemory.Driver
		provider *testutils.MockProvider
		router   http.Handler
	)

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	get := func(path string) *httptest.ResponseRecorder {
		return serve(httptest.NewRequest(http.MethodGet, path, nil))
	}

	upload := func(filename string, data []byte) *httptest.ResponseRecorder {
		body, contentType := multipartBody("image", filename, data)
		req := httptest.NewRequest(http.MethodPost, "/api/images", body)
		req.Header.Set("Content-Type", contentType)
		return serve(req)
	}

	// ready stores a record with a known embedding, bypassing the pipeline.
	ready := func(name string, vec ...float32) int64 {
		id, err := driver.Save(ctx, pngBytes(), name, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(driver.UpdateEmbedding(ctx, id, vec)).To(Succeed())
		return id
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		Expect(json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed(), rec.Body.String())
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		Expect(driver.Init(ctx)).To(Succeed())
		provider = testutils.NewMockProvider()
		bus := events.NewBus(logger.Nop())
		DeferCleanup(bus.Close)

		pipeline := services.NewPipeline(services.PipelineConfig{
			Store:    driver,
			Provider: provider,
			Bus:      bus,
			Logger:   logger.Nop(),
		})
		DeferCleanup(func() { _ = pipeline.Shutdown(context.Background()) })

		library := services.NewLibrary(services.LibraryConfig{
			Store:     driver,
			Provider:  provider,
			Pipeline:  pipeline,
			Bus:       bus,
			Logger:    logger.Nop(),
			Threshold: 0.5,
		})

		thumbs, err := thumbnail.New(GinkgoT().TempDir(), driver, bus, logger.Nop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(thumbs.Close)

		h := handlers.New(handlers.Config{
			Library:        library,
			Thumbnails:     thumbs,
			Logger:         logger.Nop(),
			MaxUploadBytes: 64 * 1024,
		})

		r := chi.NewRouter()
		api := humachi.New(r, huma.DefaultConfig("Image Search", "test"))
		h.Register(r, api)
		router = r
	})

	Describe("POST /api/images", func() {
		It("stores the upload and returns the pending record", func() {
			rec := upload("cat.png", pngBytes())
			Expect(rec.Code).To(Equal(http.StatusCreated), rec.Body.String())

			var img imageJSON
			decode(rec, &img)
			Expect(img.ID).To(BeNumerically(">", 0))
			Expect(img.Name).To(Equal("cat.png"))
			Expect(img.MimeType).To(Equal("image/png"))
			Expect(img.Size).To(Equal(int64(len(pngBytes()))))
			Expect(img.Checksum).NotTo(BeEmpty())
			Expect(img.URL).To(Equal("/api/images/1"))
			Expect(img.ThumbnailURL).To(Equal("/api/images/1/thumbnail"))

			Eventually(func() bool {
				stored, err := driver.Get(ctx, img.ID)
				Expect(err).NotTo(HaveOccurred())
				return stored.Ready()
			}).Should(BeTrue())
		})

		It("rejects unsupported formats", func() {
			rec := upload("notes.txt", []byte("hello"))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/problem+json"))

			var problem problemJSON
			decode(rec, &problem)
			Expect(problem.Status).To(Equal(http.StatusBadRequest))
			Expect(problem.Detail).To(ContainSubstring("unsupported image format"))
		})

		It("rejects a form without an image field", func() {
			body, contentType := multipartBody("file", "cat.png", pngBytes())
			req := httptest.NewRequest(http.MethodPost, "/api/images", body)
			req.Header.Set("Content-Type", contentType)

			Expect(serve(req).Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects uploads above the size limit", func() {
			rec := upload("huge.png", bytes.Repeat([]byte{1}, 128*1024))
			Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))

			usage, err := driver.StorageUsage(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(usage).To(BeZero())
		})
	})

	Describe("GET /api/images", func() {
		It("lists records newest first with their status", func() {
			ready("old.png", 1, 0)
			_, err := driver.Save(ctx, pngBytes(), "new.png", "image/png")
			Expect(err).NotTo(HaveOccurred())

			rec := get("/api/images")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body struct {
				Images []imageJSON `json:"images"`
			}
			decode(rec, &body)
			Expect(body.Images).To(HaveLen(2))
			Expect(body.Images[0].Name).To(Equal("new.png"))
			Expect(body.Images[0].Status).To(Equal("pending"))
			Expect(body.Images[1].Name).To(Equal("old.png"))
			Expect(body.Images[1].Status).To(Equal("ready"))
		})

		It("returns an empty list for an empty library", func() {
			rec := get("/api/images")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"images":[]`))
		})
	})

	Describe("GET /api/images/{id}", func() {
		It("serves the stored bytes with an ETag", func() {
			id := ready("cat.png", 1, 0)

			rec := get("/api/images/1")
			Expect(id).To(Equal(int64(1)))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("image/png"))
			Expect(rec.Body.Bytes()).To(Equal(pngBytes()))

			etag := rec.Header().Get("ETag")
			Expect(etag).NotTo(BeEmpty())

			req := httptest.NewRequest(http.MethodGet, "/api/images/1", nil)
			req.Header.Set("If-None-Match", etag)
			Expect(serve(req).Code).To(Equal(http.StatusNotModified))
		})

		It("answers 404 for unknown ids and 400 for malformed ones", func() {
			Expect(get("/api/images/99").Code).To(Equal(http.StatusNotFound))
			Expect(get("/api/images/abc").Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/images/{id}/metadata", func() {
		It("returns the record", func() {
			id := ready("cat.png", 1, 0)

			rec := get("/api/images/1/metadata")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var img imageJSON
			decode(rec, &img)
			Expect(img.ID).To(Equal(id))
			Expect(img.Status).To(Equal("ready"))
		})

		It("answers 404 for unknown ids", func() {
			Expect(get("/api/images/42/metadata").Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/images/{id}/thumbnail", func() {
		It("renders a 512x512 JPEG", func() {
			ready("cat.png", 1, 0)

			rec := get("/api/images/1/thumbnail")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("image/jpeg"))

			img, err := imaging.Decode(bytes.NewReader(rec.Body.Bytes()))
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dx()).To(Equal(512))
			Expect(img.Bounds().Dy()).To(Equal(512))
		})

		It("answers 404 for unknown ids", func() {
			Expect(get("/api/images/5/thumbnail").Code).To(Equal(http.StatusNotFound))
		})

		It("answers 400 when the stored payload is not an image", func() {
			id, err := driver.Save(ctx, []byte("not an image"), "x.png", "image/png")
			Expect(err).NotTo(HaveOccurred())

			rec := get(fmt.Sprintf("/api/images/%d/thumbnail", id))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			var problem problemJSON
			decode(rec, &problem)
			Expect(problem.Detail).To(ContainSubstring("decode image"))
		})
	})

	Describe("GET /api/search", func() {
		It("ranks ready images above the threshold", func() {
			ready("bike.png", 1, 0)
			ready("tree.png", 0, 1)
			ready("close.png", 0.8, 0.6)
			provider.Set("red bicycle", []float32{1, 0})

			rec := get("/api/search?q=red+bicycle")
			Expect(rec.Code).To(Equal(http.StatusOK), rec.Body.String())

			var body struct {
				Query   string `json:"query"`
				Results []struct {
					Image      imageJSON `json:"image"`
					Similarity float64   `json:"similarity"`
				} `json:"results"`
			}
			decode(rec, &body)
			Expect(body.Query).To(Equal("red bicycle"))
			Expect(body.Results).To(HaveLen(2))
			Expect(body.Results[0].Image.Name).To(Equal("bike.png"))
			Expect(body.Results[0].Similarity).To(BeNumerically("~", 1, 1e-6))
			Expect(body.Results[1].Image.Name).To(Equal("close.png"))
			Expect(body.Results[1].Similarity).To(BeNumerically("~", 0.8, 1e-6))
		})

		It("honours a threshold override", func() {
			ready("bike.png", 1, 0)
			ready("close.png", 0.8, 0.6)
			provider.Set("bike", []float32{1, 0})

			rec := get("/api/search?q=bike&threshold=0.9")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).NotTo(ContainSubstring("close.png"))
			Expect(rec.Body.String()).To(ContainSubstring("bike.png"))
		})

		It("rejects an empty query or a malformed threshold", func() {
			Expect(get("/api/search?q=").Code).To(Equal(http.StatusBadRequest))
			Expect(get("/api/search?q=cat&threshold=high").Code).To(Equal(http.StatusBadRequest))
		})

		It("reports provider failures as 502", func() {
			provider.FailOn("sunset")
			Expect(get("/api/search?q=sunset").Code).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("DELETE", func() {
		It("removes one image", func() {
			ready("a.png", 1, 0)

			rec := serve(httptest.NewRequest(http.MethodDelete, "/api/images/1", nil))
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get("/api/images/1").Code).To(Equal(http.StatusNotFound))

			rec = serve(httptest.NewRequest(http.MethodDelete, "/api/images/1", nil))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("clears the library", func() {
			ready("a.png", 1, 0)
			ready("b.png", 0, 1)

			rec := serve(httptest.NewRequest(http.MethodDelete, "/api/images", nil))
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			images, err := driver.GetAll(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(BeEmpty())
		})
	})

	Describe("GET /api/usage", func() {
		It("sums the stored payloads", func() {
			ready("a.png", 1, 0)
			ready("b.png", 0, 1)

			rec := get("/api/usage")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body struct {
				Bytes  int64 `json:"bytes"`
				Images int   `json:"images"`
			}
			decode(rec, &body)
			Expect(body.Bytes).To(Equal(int64(2 * len(pngBytes()))))
			Expect(body.Images).To(Equal(2))
		})
	})

	Describe("POST /api/recover", func() {
		It("embeds pending images and reports the run", func() {
			id, err := driver.Save(ctx, []byte("pending"), "p.png", "image/png")
			Expect(err).NotTo(HaveOccurred())
			provider.FailOn("broken")
			_, err = driver.Save(ctx, []byte("broken"), "b.png", "image/png")
			Expect(err).NotTo(HaveOccurred())

			rec := serve(httptest.NewRequest(http.MethodPost, "/api/recover", nil))
			Expect(rec.Code).To(Equal(http.StatusOK), rec.Body.String())

			var report services.RecoveryReport
			decode(rec, &report)
			Expect(report.RunID).NotTo(BeEmpty())
			Expect(report.Total).To(Equal(2))
			Expect(report.Completed).To(Equal(1))
			Expect(report.Failed).To(Equal(1))

			stored, err := driver.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Ready()).To(BeTrue())
		})
	})
})
