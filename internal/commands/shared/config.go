// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"github.com/tombee/flowbench/internal/config"
	"github.com/tombee/flowbench/internal/session"
)

// LoadConfig loads harness configuration honoring the global --config flag.
// Errors come back as ExitErrors so commands can return them directly.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	return cfg, nil
}

// OpenStore opens the run history database the configuration points at.
func OpenStore(cfg *config.Config) (*session.Store, error) {
	store, err := session.NewStore(session.StoreConfig{
		Path:         cfg.Storage.Path,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return nil, NewConfigError("failed to open run store", err)
	}
	return store, nil
}
