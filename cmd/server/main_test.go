package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"imagesearch/internal/config"
	"imagesearch/internal/logger"
	"imagesearch/internal/services"
)

func TestCommands(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Commands Suite")
}

func pngBytes() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, imaging.New(8, 8, color.NRGBA{G: 255, A: 255}))).To(Succeed())
	return buf.Bytes()
}

func run(args ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

var _ = Describe("commands", func() {
	BeforeEach(func() {
		// Keep the working directory free of a stray config.toml.
		wd, err := os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(GinkgoT().TempDir())).To(Succeed())
		DeferCleanup(os.Chdir, wd)
		GinkgoT().Setenv("IMAGESEARCH_STORE_DRIVER", "memory")
		GinkgoT().Setenv("IMAGESEARCH_EMBEDDING_REPLICATE_TOKEN", "r8_secret")
	})

	Describe("config show", func() {
		It("prints the merged configuration without secrets", func() {
			out, err := run("config", "show")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring(`driver = "memory"`))
			Expect(out).To(ContainSubstring(`provider = "replicate"`))
			Expect(out).NotTo(ContainSubstring("r8_secret"))
		})

		It("reads an explicit config file", func() {
			path := filepath.Join(GinkgoT().TempDir(), "custom.toml")
			Expect(os.WriteFile(path, []byte("[search]\nthreshold = 0.4\n"), 0o644)).To(Succeed())

			out, err := run("config", "show", "--config", path)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("threshold = 0.4"))
		})

		It("rejects an unknown store driver", func() {
			GinkgoT().Setenv("IMAGESEARCH_STORE_DRIVER", "cassandra")
			_, err := run("config", "show")
			Expect(err).To(MatchError(ContainSubstring("cassandra")))
		})
	})

	Describe("recover", func() {
		It("reports an empty run on an empty store", func() {
			out, err := run("recover")
			Expect(err).NotTo(HaveOccurred())

			var report services.RecoveryReport
			Expect(json.Unmarshal([]byte(out), &report)).To(Succeed())
			Expect(report.Total).To(BeZero())
			Expect(report.Skipped).To(BeFalse())
		})

		It("fails without a replicate token", func() {
			GinkgoT().Setenv("IMAGESEARCH_EMBEDDING_REPLICATE_TOKEN", "")
			_, err := run("recover")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("serve", func() {
		It("finishes seeding and recovery before it returns", func() {
			var requests, inFlight atomic.Int64
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				requests.Add(1)
				inFlight.Add(1)
				defer inFlight.Add(-1)
				time.Sleep(20 * time.Millisecond)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
			}))
			defer api.Close()
			GinkgoT().Setenv("IMAGESEARCH_EMBEDDING_REPLICATE_BASE_URL", api.URL)
			GinkgoT().Setenv("IMAGESEARCH_EMBEDDING_REPLICATE_RATE_PER_SECOND", "0")

			seeds := GinkgoT().TempDir()
			for _, name := range []string{"a.png", "b.png", "c.png"} {
				Expect(os.WriteFile(filepath.Join(seeds, name), pngBytes(), 0o644)).To(Succeed())
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			root := newRootCmd()
			root.SetOut(io.Discard)
			root.SetArgs([]string{"serve", "--listen", "127.0.0.1:0", "--seed", seeds})

			done := make(chan error, 1)
			go func() { done <- root.ExecuteContext(ctx) }()

			Eventually(requests.Load, 5*time.Second).Should(BeNumerically(">=", 3))
			cancel()
			Eventually(done, 20*time.Second).Should(Receive(BeNil()))

			Expect(inFlight.Load()).To(BeZero())
			settled := requests.Load()
			Consistently(requests.Load, 200*time.Millisecond).Should(Equal(settled))
		})
	})

	Describe("importDir", func() {
		It("saves image files and skips everything else", func() {
			dir := GinkgoT().TempDir()
			Expect(os.WriteFile(filepath.Join(dir, "a.png"), pngBytes(), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "b.JPG"), []byte("jpeg-ish"), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644)).To(Succeed())
			Expect(os.Mkdir(filepath.Join(dir, "nested.png"), 0o755)).To(Succeed())

			cfg := config.NewDefaultConfig()
			cfg.Store.Driver = "memory"
			cfg.Embedding.Replicate.Token = "r8_secret"
			cfg.Embedding.Replicate.BaseURL = "http://127.0.0.1:1"

			ctx := context.Background()
			a, err := newApp(ctx, cfg, logger.Nop())
			Expect(err).NotTo(HaveOccurred())
			// Stop the queue before importing so no embedding is attempted.
			Expect(a.pipeline.Shutdown(ctx)).To(Succeed())
			defer a.Close(ctx)

			n, err := importDir(ctx, a, dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))

			images, err := a.library.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(HaveLen(2))
			for _, img := range images {
				Expect(img.Pending()).To(BeTrue())
			}
		})

		It("fails on a missing directory", func() {
			cfg := config.NewDefaultConfig()
			cfg.Store.Driver = "memory"
			cfg.Embedding.Replicate.Token = "r8_secret"

			a, err := newApp(context.Background(), cfg, logger.Nop())
			Expect(err).NotTo(HaveOccurred())
			defer a.Close(context.Background())

			_, err = importDir(context.Background(), a, filepath.Join(GinkgoT().TempDir(), "missing"))
			Expect(err).To(HaveOccurred())
		})
	})
})
