package hub

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"genwatch/internal/domain"
)

const (
	msgQueuedAt   = "Waiting in queue (position %d)"
	msgQueued     = "Waiting in queue"
	msgProcessing = "Generating image"
	msgFailed     = "Generation failed"
)

func newCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	id := language.Indonesian
	_ = b.SetString(id, msgQueuedAt, "Menunggu antrean (posisi %d)")
	_ = b.SetString(id, msgQueued, "Menunggu antrean")
	_ = b.SetString(id, msgProcessing, "Sedang membuat gambar")
	_ = b.SetString(id, msgFailed, "Pembuatan gagal")
	return b
}

// localize fills an empty human message for the given locale.
func localize(cat catalog.Catalog, tag language.Tag, evt domain.JobEvent) domain.JobEvent {
	if evt.Message != "" {
		return evt
	}
	p := message.NewPrinter(tag, message.Catalog(cat))
	switch evt.Type {
	case domain.EventProgress:
		switch {
		case evt.Status == domain.JobStatusProcessing:
			evt.Message = p.Sprintf(msgProcessing)
		case evt.QueuePosition > 0:
			evt.Message = p.Sprintf(msgQueuedAt, evt.QueuePosition)
		default:
			evt.Message = p.Sprintf(msgQueued)
		}
	case domain.EventError:
		evt.Message = p.Sprintf(msgFailed)
	}
	return evt
}
