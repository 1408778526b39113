package tui

// Keybinding constants
const (
	KeyQuit   = "q"
	KeyCtrlC  = "ctrl+c"
	KeyEsc    = "esc"
	KeyUp     = "up"
	KeyDown   = "down"
	KeyJ      = "j"
	KeyK      = "k"
	KeyPgUp   = "pgup"
	KeyPgDown = "pgdown"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(finished bool) string {
	if finished {
		return StyleHelp.Render("j/k: select task | pgup/pgdown: scroll | q: close")
	}
	return StyleHelp.Render("j/k: select task | pgup/pgdown: scroll | ctrl+c: cancel turn")
}
