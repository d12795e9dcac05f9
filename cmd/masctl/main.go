package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8420", "masd Control API URL")
	token := flag.String("token", "", "bearer token for the Control API (optional)")
	flag.Parse()

	cl := newClient(*apiURL, *token)

	p := tea.NewProgram(newModel(cl), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "masctl: %v\n", err)
		os.Exit(1)
	}
}
