package onnx

import (
	"github.com/daulet/tokenizers"
)

// CLIP closes every prompt with <|endoftext|> and pads with it as well. The
// text model pools on the first end token, so it must survive truncation.
const (
	clipEndToken = 49407
	clipPadToken = clipEndToken
)

// Tokenizer encodes prompts into the fixed-length CLIP text input.
type Tokenizer struct {
	tk  *tokenizers.Tokenizer
	end int64
	pad int64
}

func NewTokenizer(path string) (*Tokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{tk: tk, end: clipEndToken, pad: clipPadToken}, nil
}

// Encode returns input ids and the matching attention mask, both maxLen long.
func (t *Tokenizer) Encode(text string, maxLen int) ([]int64, []int64) {
	ids, _ := t.tk.Encode(text, true)
	return fit(ids, maxLen, t.end, t.pad)
}

func (t *Tokenizer) Close() error {
	return t.tk.Close()
}

// fit shapes ids to maxLen. The sequence always ends with the end token,
// overwriting the last kept id when ids are too long. Padding uses pad and is
// masked out.
func fit(ids []uint32, maxLen int, end, pad int64) ([]int64, []int64) {
	inputIDs := make([]int64, maxLen)
	mask := make([]int64, maxLen)
	if maxLen == 0 {
		return inputIDs, mask
	}

	n := min(len(ids), maxLen)
	for i := range n {
		inputIDs[i] = int64(ids[i])
		mask[i] = 1
	}

	switch {
	case n > 0 && inputIDs[n-1] == end:
	case n < maxLen:
		inputIDs[n] = end
		mask[n] = 1
		n++
	default:
		inputIDs[n-1] = end
	}

	for i := n; i < maxLen; i++ {
		inputIDs[i] = pad
	}
	return inputIDs, mask
}
