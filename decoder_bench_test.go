package hwdec

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// BenchmarkDecodeRoundTrip measures one picture through the output actor.
func BenchmarkDecodeRoundTrip(b *testing.B) {
	run := func(b *testing.B, flags PictureFlags, mutate func(*Config)) {
		log := logrus.New()
		log.SetOutput(io.Discard)
		dev := NewSimDevice()
		cfg := DefaultConfig()
		cfg.Device = dev
		cfg.Processor = dev
		cfg.Logger = log
		if mutate != nil {
			mutate(&cfg)
		}
		d, err := Open(cfg, StreamParams{Width: 1920, Height: 1080})
		if err != nil {
			b.Fatal(err)
		}
		defer d.Close()

		take := func(status DecodeStatus) {
			if status.Has(StatusError) {
				b.Fatal(d.Err())
			}
			if status.Has(StatusPicture) {
				p, err := d.GetPicture()
				if err != nil {
					b.Fatal(err)
				}
				p.Release()
			}
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			surf, err := d.GetSurface()
			if err != nil {
				b.Fatal(err)
			}
			if err := d.DecodeSlices(surf, nil, nil); err != nil {
				b.Fatal(err)
			}
			take(d.Decode(&DecodedPicture{Surface: surf, Info: PictureInfo{PTS: int64(i), Flags: flags}}))
			d.ReleaseSurface(surf)
			for st := d.Stats(); st.Decoded > 2; st = d.Stats() {
				take(d.Decode(nil))
				time.Sleep(10 * time.Microsecond)
			}
		}
	}

	b.Run("Progressive", func(b *testing.B) {
		run(b, 0, nil)
	})

	b.Run("Bob", func(b *testing.B) {
		run(b, FlagInterlaced|FlagTopFieldFirst, func(c *Config) { c.DeintMethod = DeintBob })
	})

	b.Run("VAAPIProbe", func(b *testing.B) {
		if !IsVAAPIAvailable() {
			b.Skip("libva not available")
		}
		dev, err := OpenVAAPI("")
		if err != nil {
			b.Skip(err)
		}
		defer dev.Close()
		for i := 0; i < b.N; i++ {
			d := NewDeinterlacer(dev, nil, nil, 1920, 1080, nil, nil)
			_ = d.Init(DeintBob, 2)
			d.Close()
		}
	})
}
