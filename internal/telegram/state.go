package telegram

import "sync"

const maxReferenceImages = 4

// References keeps the reference images a chat uploaded for its next generation.
type References struct {
	mu   sync.RWMutex
	urls map[int64][]string
}

func NewReferences() *References {
	return &References{urls: make(map[int64][]string)}
}

func (r *References) Get(chatID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.urls[chatID]...)
}

// Add appends url and keeps only the newest maxReferenceImages. It returns the count held.
func (r *References) Add(chatID int64, url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	urls := append(r.urls[chatID], url)
	if len(urls) > maxReferenceImages {
		urls = urls[len(urls)-maxReferenceImages:]
	}
	r.urls[chatID] = urls
	return len(urls)
}

func (r *References) Clear(chatID int64) {
	r.mu.Lock()
	delete(r.urls, chatID)
	r.mu.Unlock()
}
