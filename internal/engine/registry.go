package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/flowgate/pkg/api"
)

// appRegistry maps application codes to the adapter that resolves their
// documents. Codes are validated when registered, never at call time.
type appRegistry struct {
	mu     sync.RWMutex
	byCode map[string]api.AppBinding
}

func newAppRegistry() *appRegistry {
	return &appRegistry{
		byCode: make(map[string]api.AppBinding),
	}
}

func (r *appRegistry) Register(appCode string, app api.AppBinding) error {
	if _, err := api.ParseAppCode(appCode); err != nil {
		return err
	}
	if app.Adapter == nil {
		return fmt.Errorf("app %q: document adapter is required", appCode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCode[appCode]; exists {
		return fmt.Errorf("%w: %s", api.ErrAppExists, appCode)
	}
	r.byCode[appCode] = app
	return nil
}

func (r *appRegistry) Get(appCode string) (api.AppBinding, error) {
	if _, err := api.ParseAppCode(appCode); err != nil {
		return api.AppBinding{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.byCode[appCode]
	if !ok {
		return api.AppBinding{}, fmt.Errorf("%w: %s", api.ErrUnknownApp, appCode)
	}
	return app, nil
}

func (r *appRegistry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byCode))
	for code := range r.byCode {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
