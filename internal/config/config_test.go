package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"imagesearch/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Config", func() {
	var tmpDir string

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
	})

	Describe("Load", func() {
		It("returns defaults when no config file is found", func() {
			v, err := config.InitViper("")
			Expect(err).NotTo(HaveOccurred())

			cfg, err := config.Load(v)
			Expect(err).NotTo(HaveOccurred())
			defaults := config.NewDefaultConfig()
			Expect(cfg.Store).To(Equal(defaults.Store))
			Expect(cfg.Pipeline).To(Equal(defaults.Pipeline))
			Expect(cfg.Search.Threshold).To(Equal(0.235))
		})

		It("fails on an explicit path that does not exist", func() {
			_, err := config.InitViper(filepath.Join(tmpDir, "missing.toml"))
			Expect(err).To(HaveOccurred())
		})

		It("loads a config file over defaults", func() {
			path := filepath.Join(tmpDir, "config.toml")
			data := `
[store]
driver = "memory"

[pipeline]
batch_size = 3
batch_delay = "250ms"

[search]
threshold = 0.3
`
			Expect(os.WriteFile(path, []byte(data), 0o644)).To(Succeed())

			v, err := config.InitViper(path)
			Expect(err).NotTo(HaveOccurred())
			cfg, err := config.Load(v)
			Expect(err).NotTo(HaveOccurred())

			defaults := config.NewDefaultConfig()
			Expect(cfg.Store.Driver).To(Equal("memory"))
			Expect(cfg.Pipeline.BatchSize).To(Equal(3))
			Expect(cfg.Pipeline.BatchDelay).To(Equal(250 * time.Millisecond))
			Expect(cfg.Search.Threshold).To(Equal(0.3))
			Expect(cfg.Embedding.Provider).To(Equal(defaults.Embedding.Provider))
			Expect(cfg.Embedding.Replicate.MaxAttempts).To(Equal(30))
			Expect(cfg.Embedding.Replicate.PollInterval).To(Equal(time.Second))
			Expect(cfg.Server.Listen).To(Equal(defaults.Server.Listen))
		})

		It("lets environment variables override the file", func() {
			path := filepath.Join(tmpDir, "config.toml")
			Expect(os.WriteFile(path, []byte("[server]\nlisten = \":9000\"\n"), 0o644)).To(Succeed())
			GinkgoT().Setenv("IMAGESEARCH_SERVER_LISTEN", ":9100")
			GinkgoT().Setenv("IMAGESEARCH_EMBEDDING_REPLICATE_TOKEN", "r8_secret")

			v, err := config.InitViper(path)
			Expect(err).NotTo(HaveOccurred())
			cfg, err := config.Load(v)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Server.Listen).To(Equal(":9100"))
			Expect(cfg.Embedding.Replicate.Token).To(Equal("r8_secret"))
		})
	})

	Describe("Validate", func() {
		It("accepts the defaults", func() {
			Expect(config.NewDefaultConfig().Validate()).To(Succeed())
		})

		It("rejects an unknown store driver", func() {
			cfg := config.NewDefaultConfig()
			cfg.Store.Driver = "indexeddb"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("unsupported store driver")))
		})

		It("requires a DSN for postgres", func() {
			cfg := config.NewDefaultConfig()
			cfg.Store.Driver = "postgres"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("postgres_dsn")))
		})

		It("rejects a zero batch size", func() {
			cfg := config.NewDefaultConfig()
			cfg.Pipeline.BatchSize = 0
			Expect(cfg.Validate()).To(HaveOccurred())
		})
	})

	Describe("TOML", func() {
		It("never renders credentials", func() {
			cfg := config.NewDefaultConfig()
			cfg.Embedding.Replicate.Token = "r8_secret"
			cfg.Store.PostgresDSN = "postgres://user:pw@host/db"

			out, err := cfg.TOML()
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("[store]"))
			Expect(out).To(ContainSubstring("batch_size = 2"))
			Expect(out).NotTo(ContainSubstring("r8_secret"))
			Expect(out).NotTo(ContainSubstring("pw@host"))
		})
	})
})
