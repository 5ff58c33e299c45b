package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antoniostano/voicecall/internal/conversation"
)

// LoadPersonaFile reads the default agent persona from a YAML file:
//
//	name: Ava
//	system_prompt: You are Ava, a calm concierge.
//	voice_id: a0e99841-438c-4a64-b679-ae501e7d6091
//	model: llama3.2:1b
//
// An empty path yields the built-in default persona.
func LoadPersonaFile(path string) (conversation.AgentConfig, error) {
	def := conversation.DefaultAgentConfig()
	if strings.TrimSpace(path) == "" {
		return def, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return conversation.AgentConfig{}, fmt.Errorf("open persona file: %w", err)
	}
	defer f.Close()
	return DecodePersona(f)
}

// DecodePersona decodes a persona document, rejecting unknown keys.
func DecodePersona(r io.Reader) (conversation.AgentConfig, error) {
	var cfg conversation.AgentConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return conversation.AgentConfig{}, fmt.Errorf("decode persona: %w", err)
	}
	return conversation.DefaultAgentConfig().Merge(cfg), nil
}
