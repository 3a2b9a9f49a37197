package ui

// Unicode symbols for status indicators.
const (
	SymbolSuccess  = "✓" // Host ran the command with exit 0
	SymbolFail     = "✗" // Host failed or exited non-zero
	SymbolComplete = "●" // Phase done
	SymbolSkipped  = "⊘" // Host skipped
	SymbolAuth     = "⚿" // Every identity rejected
	SymbolTimeout  = "⧗" // Timed out
)
