package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klipach/ultcom/auth"
)

var errNotLoggedIn = errors.New("you are not logged in, run 'ultcomctl login' first")

func loadSession(path string) (*auth.Session, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNotLoggedIn
	} else if err != nil {
		return nil, fmt.Errorf("failed to open session at %s: %w", path, err)
	}
	defer file.Close()

	var s auth.Session
	if err = json.NewDecoder(file).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse session at %s: %w", path, err)
	}
	if s.UID == "" {
		return nil, errNotLoggedIn
	}
	return &s, nil
}

func saveSession(path string, s *auth.Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session for writing: %w", err)
	}
	defer file.Close()
	if err = json.NewEncoder(file).Encode(s); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

var stdin = bufio.NewReader(os.Stdin)

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := stdin.ReadString('\n')
	return strings.TrimSpace(line), err
}
