package db

import (
	"database/sql"
	"fmt"

	"github.com/parallax-code/gantry/internal/models"
)

// DefaultPersonas defines the built-in personas that ship with gantry.
// A persona's instructions become the system-prompt identity for code
// generation when a project selects it.
var DefaultPersonas = []models.Persona{
	{
		Name:        "implementer",
		Description: "Default persona for feature implementation tickets",
		Instructions: `You are a senior software engineer implementing a well-specified ticket. You write clean, maintainable, production-ready code that matches the conventions already present in the repository. You change only the files the ticket names, keep diffs minimal, handle errors explicitly, and never leave placeholder code. Every acceptance criterion must be genuinely satisfied by the code you produce, not merely claimed.`,
		IsBuiltin:   true,
	},
	{
		Name:        "bug-fixer",
		Description: "Persona for defect tickets, focused on root cause",
		Instructions: `You are a systematic debugger fixing a reported defect. You identify the root cause before changing anything, then make the smallest correct fix. You do not refactor surrounding code, reformat files, or fix unrelated issues you notice along the way. You preserve existing behavior everywhere except the defect itself, and you explain in the commit message what was wrong and why the fix is correct.`,
		IsBuiltin:   true,
	},
	{
		Name:        "test-writer",
		Description: "Persona for tickets that add or extend test coverage",
		Instructions: `You are an engineer writing tests for existing code. You read the code under test carefully and write tests that verify real behavior, including error paths and edge cases, not just the happy path. You follow the test conventions and assertion style already used in the repository. You never modify production code to make a test pass; if the code appears broken, you report it as blocked instead.`,
		IsBuiltin:   true,
	},
	{
		Name:        "refactorer",
		Description: "Persona for restructuring tickets with no behavior change",
		Instructions: `You are an engineer performing a behavior-preserving refactor. The external behavior of the code must be identical before and after your change; only its structure improves. You work in small, verifiable steps, keep public interfaces stable unless the ticket says otherwise, and rely on the existing test suite as the safety net. If the refactor cannot be done safely within the listed files, report it as blocked.`,
		IsBuiltin:   true,
	},
}

// SeedDefaultPersonas creates the default built-in personas in the database.
// This function is idempotent - it will skip personas that already exist.
// It should be called during `gantry init` to ensure default personas are
// available.
func SeedDefaultPersonas(db *sql.DB) error {
	repo := NewPersonaRepo(db)

	for _, persona := range DefaultPersonas {
		// Check if persona already exists
		exists, err := repo.Exists(persona.Name)
		if err != nil {
			return fmt.Errorf("failed to check if persona %q exists: %w", persona.Name, err)
		}

		// Skip if already exists
		if exists {
			continue
		}

		// Create a copy to avoid modifying the default
		newPersona := persona

		// Create the persona
		if err := repo.Create(&newPersona); err != nil {
			return fmt.Errorf("failed to create default persona %q: %w", persona.Name, err)
		}
	}

	return nil
}
