package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnsureSettingsFile creates the settings file interactively on first run.
//
// When settingsPath does not exist but defaultsPath does, every user-facing
// setting is prompted for on out with its default in brackets; an empty answer
// keeps the default. The result is written to settingsPath. It reports whether
// a file was created. With no defaults file nothing happens and the agent runs
// from defaults and the environment.
func EnsureSettingsFile(settingsPath, defaultsPath string, in io.Reader, out io.Writer) (bool, error) {
	if _, err := os.Stat(settingsPath); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat settings file: %w", err)
	}

	defaults, err := ReadFile(defaultsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load default settings: %w", err)
	}

	fmt.Fprintf(out, "Settings file %s not found. Creating it from %s.\n", settingsPath, defaultsPath)
	fmt.Fprintln(out, "Please enter the following settings:")

	s, err := Prompt(defaults, in, out)
	if err != nil {
		return false, err
	}
	if err := Save(settingsPath, s); err != nil {
		return false, err
	}

	fmt.Fprintf(out, "Settings saved to %s.\n", settingsPath)
	return true, nil
}

// Prompt asks for each user-facing setting, showing the current value as the default
func Prompt(s Settings, in io.Reader, out io.Writer) (Settings, error) {
	p := &prompter{in: bufio.NewReader(in), out: out}

	s.Token = p.ask("Token", s.Token)
	s.BaseUrl = p.ask("BaseUrl", s.BaseUrl)
	s.StreamURL = p.ask("StreamURL", s.StreamURL)

	delay := p.ask("Delay", strconv.Itoa(s.Delay))
	n, err := strconv.Atoi(delay)
	if err != nil {
		return s, fmt.Errorf("invalid Delay %q: %w", delay, err)
	}
	s.Delay = n

	s.FfmpegPathWindows = p.ask("FfmpegPathWindows", s.FfmpegPathWindows)
	s.FfmpegPathLinux = p.ask("FfmpegPathLinux", s.FfmpegPathLinux)

	if p.err != nil {
		return s, fmt.Errorf("failed to read input: %w", p.err)
	}
	return s, nil
}

// Save writes settings as indented JSON
func Save(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}
	// the token is a credential
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
	err error
}

// ask returns the trimmed answer, or def when the answer is empty or input has ended
func (p *prompter) ask(name, def string) string {
	fmt.Fprintf(p.out, "%s [%s]: ", name, def)
	if p.err != nil {
		return def
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		p.err = err
	}
	if v := strings.TrimSpace(line); v != "" {
		return v
	}
	return def
}
