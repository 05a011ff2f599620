package planner

import (
	"context"
	"log"
	"sync"

	"github.com/vesselhq/vessel/internal/config"
	"github.com/vesselhq/vessel/internal/database"
)

var (
	current PlanProvider = &TemplateProvider{}
	mu      sync.RWMutex
)

// Init selects the generating backend from the planner_backend setting
// (auto | ai | template). "auto" prefers the AI service when one is
// configured and answering; either way the template backend remains the
// fallback, so Init never fails.
func Init(ctx context.Context) {
	backend, err := database.GetSetting("planner_backend")
	if err != nil {
		backend = "auto"
	}
	model, _ := database.GetSetting("planner_model")

	if (backend == "auto" || backend == "ai") && config.Cfg.PlannerURL != "" {
		ai := NewAIProvider(config.Cfg.PlannerURL, config.Cfg.PlannerToken, model)
		if ai.Available(ctx) {
			Use(ai)
			log.Println("[planner] using AI backend at", ai.URL)
			if backend == "auto" {
				_ = database.SetSetting("planner_backend", "ai")
			}
			return
		}
		log.Printf("[planner] AI backend at %s unavailable, falling back to templates", config.Cfg.PlannerURL)
	} else if backend == "ai" && config.Cfg.PlannerURL == "" {
		log.Println("[planner] planner_backend=ai but no VESSEL_PLANNER_URL configured, falling back to templates")
	}

	Use(&TemplateProvider{})
	log.Println("[planner] using template backend")
	if backend == "auto" {
		_ = database.SetSetting("planner_backend", "template")
	}
}

// Get returns the active backend.
func Get() PlanProvider {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Use replaces the active backend.
func Use(p PlanProvider) {
	mu.Lock()
	current = p
	mu.Unlock()
}
