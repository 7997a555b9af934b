package onnx

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("fit", func() {
	const (
		start = 49406
		end   = clipEndToken
		pad   = clipPadToken
	)

	It("pads with the pad id and masks the padding", func() {
		ids, mask := fit([]uint32{start, 320, end}, 6, end, pad)
		Expect(ids).To(Equal([]int64{start, 320, end, pad, pad, pad}))
		Expect(mask).To(Equal([]int64{1, 1, 1, 0, 0, 0}))
	})

	It("keeps the end token when truncating", func() {
		ids, mask := fit([]uint32{start, 320, 321, 322, end}, 4, end, pad)
		Expect(ids).To(Equal([]int64{start, 320, 321, end}))
		Expect(mask).To(Equal([]int64{1, 1, 1, 1}))
	})

	It("closes encodings that lack the end token", func() {
		ids, mask := fit([]uint32{start, 320}, 4, end, pad)
		Expect(ids).To(Equal([]int64{start, 320, end, pad}))
		Expect(mask).To(Equal([]int64{1, 1, 1, 0}))
	})

	It("leaves an exact fit untouched", func() {
		ids, mask := fit([]uint32{start, 320, end}, 3, end, pad)
		Expect(ids).To(Equal([]int64{start, 320, end}))
		Expect(mask).To(Equal([]int64{1, 1, 1}))
	})

	It("encodes an empty prompt as a lone end token", func() {
		ids, mask := fit(nil, 3, end, pad)
		Expect(ids).To(Equal([]int64{end, pad, pad}))
		Expect(mask).To(Equal([]int64{1, 0, 0}))
	})
})
