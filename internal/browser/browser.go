// Package browser opens authorization URLs in the system web browser. It is
// the default delivery mechanism for the interactive web flow on desktop and
// headless-adjacent targets; embeddings with their own in-app surface supply
// a different presentation capability instead.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens url in the default web browser, falling back to
// platform-specific commands if the portable path fails.
func OpenURL(url string) error {
	if err := open.Run(url); err == nil {
		log.Debug("browser: opened url via open-golang")
		return nil
	}
	return openPlatformSpecific(url)
}

func openPlatformSpecific(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, candidate := range []string{"xdg-open", "x-www-browser", "firefox", "chromium", "google-chrome"} {
			if _, err := exec.LookPath(candidate); err == nil {
				cmd = exec.Command(candidate, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("idkit browser: no suitable browser found")
		}
	default:
		return fmt.Errorf("idkit browser: unsupported operating system %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("idkit browser: start failed: %w", err)
	}
	return nil
}

// IsAvailable reports whether a browser can be opened on this host.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin":
		_, err := exec.LookPath("open")
		return err == nil
	case "windows":
		_, err := exec.LookPath("rundll32")
		return err == nil
	case "linux":
		for _, candidate := range []string{"xdg-open", "x-www-browser", "firefox", "chromium", "google-chrome"} {
			if _, err := exec.LookPath(candidate); err == nil {
				return true
			}
		}
	}
	return false
}
