// Package automation provides the rule engine for Gray Logic Rules.
//
// A rule is a set of triggers, an optional guard and a run queue. Rules are
// declared in Go with RuleBuilder or in YAML rule files, grouped into rule
// sets and loaded into the Engine, which registers their triggers with the
// platform and runs the queue whenever a trigger fires.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                    Engine (engine.go)                     │
//	│                                                           │
//	│  platform payload ──▶ Event (event.go)                   │
//	│        │                                                  │
//	│        ├── held trigger ──▶ Debouncer (debounce.go)      │
//	│        │                        │ hold elapsed            │
//	│        ▼                        ▼                         │
//	│  TriggerSpec.Matches ──▶ Guard (guard.go)                │
//	│                                 │                         │
//	│                                 ▼                         │
//	│                    Executor (runqueue.go) ──▶ delays on   │
//	│                                 │          timer.Registry │
//	│                                 ▼                         │
//	│            Repository (firing log) + Metrics + hub        │
//	└──────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Condition, Range, Transition: value matching for triggers and guards
//   - TriggerSpec: one compiled trigger plus its platform registration
//   - Guard: only_if / not_if terms
//   - RunQueue, Task: ordered work with delays and otherwise branches
//   - FiringContext: everything a task can reach during one firing
//   - TimedCommands: commands that revert after a hold
//   - Engine: loads rule sets and supervises firings
//
// # Compilation
//
// BuildTriggers turns one declaration into one or more specs. Exact values
// are pushed to the platform as filters; lists, ranges and predicates are
// re-checked when the event arrives. A list expands into one spec per value.
//
// # Thread Safety
//
// Engine, Registry, Debouncer and TimedCommands are safe for concurrent use.
// Platform callbacks may arrive on any goroutine; no engine lock is held
// while a task runs.
//
// # Usage
//
//	engine, err := automation.NewEngine(automation.EngineConfig{
//	    Platform: plat,
//	    Items:    plat,
//	    Repo:     automation.NewSQLiteRepository(db.DB),
//	    Logger:   log,
//	})
//
//	set, err := automation.LoadRuleFile("/etc/graylogic/rules/hall.yaml", plat)
//	if err := engine.Load(ctx, set); err != nil {
//	    return err
//	}
package automation
