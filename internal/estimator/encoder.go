package estimator

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Encoder counts tokens for one encoding.
type Encoder interface {
	Count(text string) int
}

// EncoderFactory builds the encoder for a named encoding. It may be slow and
// may fail; the estimator calls it at most once per encoding.
type EncoderFactory func(encoding string) (Encoder, error)

var offlineLoader sync.Once

// TiktokenFactory builds BPE encoders from ranks embedded in the binary, so
// construction never touches the network.
func TiktokenFactory(encoding string) (Encoder, error) {
	offlineLoader.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return tiktokenEncoder{enc: enc}, nil
}

type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

func (e tiktokenEncoder) Count(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}
