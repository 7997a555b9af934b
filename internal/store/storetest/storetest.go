// Package storetest holds the behaviour every store.Driver must share. Driver
// test suites register it with DescribeDriver.
package storetest

import (
	"bytes"
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/store"
)

// DescribeDriver registers the shared driver specs. newDriver must return a
// fresh, uninitialized driver over an empty collection.
func DescribeDriver(name string, newDriver func() store.Driver) bool {
	return Describe(name+" driver", func() {
		var (
			ctx    context.Context
			driver store.Driver
		)

		BeforeEach(func() {
			ctx = context.Background()
			driver = newDriver()
			Expect(driver.Init(ctx)).To(Succeed())
		})

		AfterEach(func() {
			Expect(driver.Close()).To(Succeed())
		})

		save := func(payload string) int64 {
			id, err := driver.Save(ctx, []byte(payload), payload+".png", "image/png")
			Expect(err).NotTo(HaveOccurred())
			return id
		}

		Describe("Init", func() {
			It("is idempotent", func() {
				Expect(driver.Init(ctx)).To(Succeed())
				Expect(driver.Init(ctx)).To(Succeed())
			})

			It("is safe to call concurrently", func() {
				fresh := newDriver()
				defer fresh.Close()

				var wg sync.WaitGroup
				errs := make(chan error, 8)
				for range 8 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						errs <- fresh.Init(ctx)
					}()
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					Expect(err).NotTo(HaveOccurred())
				}

				_, err := fresh.Save(ctx, []byte("x"), "x.png", "image/png")
				Expect(err).NotTo(HaveOccurred())
			})

			It("rejects operations before Init", func() {
				fresh := newDriver()
				defer fresh.Close()

				_, err := fresh.Save(ctx, []byte("x"), "x.png", "image/png")
				Expect(imgerr.IsUninitialized(err)).To(BeTrue())

				_, err = fresh.GetAll(ctx)
				Expect(imgerr.IsUninitialized(err)).To(BeTrue())

				Expect(imgerr.IsUninitialized(fresh.DeleteAll(ctx))).To(BeTrue())
			})
		})

		Describe("Save", func() {
			It("round-trips payload, name and mime type", func() {
				payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff, 0x10}
				id, err := driver.Save(ctx, payload, "cat.png", "image/png")
				Expect(err).NotTo(HaveOccurred())

				got, mimeType, err := driver.GetPayload(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(bytes.Equal(got, payload)).To(BeTrue())
				Expect(mimeType).To(Equal("image/png"))

				img, err := driver.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(img.Name).To(Equal("cat.png"))
				Expect(img.MimeType).To(Equal("image/png"))
				Expect(img.Size).To(Equal(int64(len(payload))))
				Expect(img.Checksum).To(Equal(store.Checksum(payload)))
				Expect(img.CreatedAt.IsZero()).To(BeFalse())
			})

			It("creates records in the pending state", func() {
				id := save("a")

				img, err := driver.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(img.IsProcessing).To(BeTrue())
				Expect(img.Embedding).To(BeNil())
				Expect(img.Pending()).To(BeTrue())
			})

			It("assigns increasing ids", func() {
				a := save("a")
				b := save("b")
				c := save("c")
				Expect(b).To(BeNumerically(">", a))
				Expect(c).To(BeNumerically(">", b))
			})
		})

		Describe("UpdateEmbedding", func() {
			It("sets the embedding and clears the processing flag", func() {
				id := save("a")
				Expect(driver.UpdateEmbedding(ctx, id, []float32{0.1, 0.2, 0.3})).To(Succeed())

				img, err := driver.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(img.IsProcessing).To(BeFalse())
				Expect(img.Embedding).To(Equal([]float32{0.1, 0.2, 0.3}))
				Expect(img.Ready()).To(BeTrue())
			})

			It("is idempotent for the same vector", func() {
				id := save("a")
				vec := []float32{1, 0, -1}

				Expect(driver.UpdateEmbedding(ctx, id, vec)).To(Succeed())
				once, err := driver.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())

				Expect(driver.UpdateEmbedding(ctx, id, vec)).To(Succeed())
				twice, err := driver.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())

				Expect(twice).To(Equal(once))
			})

			It("fails for an unknown id", func() {
				err := driver.UpdateEmbedding(ctx, 999_999, []float32{1})
				Expect(imgerr.IsNotFound(err)).To(BeTrue())
			})

			It("rejects an empty vector", func() {
				id := save("a")
				err := driver.UpdateEmbedding(ctx, id, nil)
				Expect(imgerr.IsInvalidInput(err)).To(BeTrue())

				img, err := driver.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(img.Pending()).To(BeTrue())
			})

			It("serializes concurrent writers on one id", func() {
				id := save("a")

				var wg sync.WaitGroup
				errs := make(chan error, 6)
				for i := range 6 {
					wg.Add(1)
					go func(n int) {
						defer wg.Done()
						errs <- driver.UpdateEmbedding(ctx, id, []float32{float32(n), 1})
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					Expect(err).NotTo(HaveOccurred())
				}

				img, err := driver.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(img.IsProcessing).To(BeFalse())
				Expect(img.Embedding).To(HaveLen(2))
				Expect(img.Embedding[1]).To(Equal(float32(1)))
			})
		})

		Describe("GetAll", func() {
			It("returns an empty sequence for an empty store", func() {
				images, err := driver.GetAll(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(images).To(BeEmpty())
			})

			It("orders newest first", func() {
				a := save("a")
				b := save("b")
				c := save("c")

				images, err := driver.GetAll(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(images).To(HaveLen(3))
				Expect([]int64{images[0].ID, images[1].ID, images[2].ID}).To(Equal([]int64{c, b, a}))
			})

			It("keeps embedding presence and the processing flag mutually exclusive", func() {
				save("a")
				b := save("b")
				save("c")
				Expect(driver.UpdateEmbedding(ctx, b, []float32{1, 2})).To(Succeed())

				images, err := driver.GetAll(ctx)
				Expect(err).NotTo(HaveOccurred())
				for _, img := range images {
					Expect(img.Embedding != nil).To(Equal(!img.IsProcessing), "image %d", img.ID)
				}
			})
		})

		Describe("Delete", func() {
			It("removes the record", func() {
				id := save("a")
				Expect(driver.Delete(ctx, id)).To(Succeed())

				_, err := driver.Get(ctx, id)
				Expect(imgerr.IsNotFound(err)).To(BeTrue())
				_, _, err = driver.GetPayload(ctx, id)
				Expect(imgerr.IsNotFound(err)).To(BeTrue())
			})

			It("fails for an unknown id", func() {
				Expect(imgerr.IsNotFound(driver.Delete(ctx, 999_999))).To(BeTrue())
			})

			It("never reuses ids", func() {
				a := save("a")
				b := save("b")
				Expect(driver.Delete(ctx, b)).To(Succeed())

				c := save("c")
				Expect(c).To(BeNumerically(">", b))
				Expect(c).NotTo(Equal(a))
			})
		})

		Describe("DeleteAll", func() {
			It("empties the collection and resets usage", func() {
				save("aaaa")
				save("bb")
				Expect(driver.DeleteAll(ctx)).To(Succeed())

				images, err := driver.GetAll(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(images).To(BeEmpty())

				usage, err := driver.StorageUsage(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(usage).To(BeZero())
			})

			It("succeeds on an empty store", func() {
				Expect(driver.DeleteAll(ctx)).To(Succeed())
			})

			It("does not reuse ids afterwards", func() {
				last := save("a")
				Expect(driver.DeleteAll(ctx)).To(Succeed())
				Expect(save("b")).To(BeNumerically(">", last))
			})
		})

		Describe("StorageUsage", func() {
			It("sums payload sizes", func() {
				save("aaaa")
				id := save("bb")

				usage, err := driver.StorageUsage(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(usage).To(Equal(int64(6)))

				Expect(driver.Delete(ctx, id)).To(Succeed())
				usage, err = driver.StorageUsage(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(usage).To(Equal(int64(4)))
			})
		})
	})
}
