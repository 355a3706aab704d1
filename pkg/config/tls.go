/*
 * Copyright 2026 Overmesh, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"path/filepath"

	"github.com/overmesh/merang/pkg/models"
)

// NormalizeTLSPaths resolves relative certificate paths against the
// configured certificate directory. Absolute paths pass through.
func NormalizeTLSPaths(tlsConf *models.TLSConfig, certDir string) {
	if certDir == "" {
		return
	}

	if tlsConf.CertFile != "" && !filepath.IsAbs(tlsConf.CertFile) {
		tlsConf.CertFile = filepath.Join(certDir, tlsConf.CertFile)
	}

	if tlsConf.KeyFile != "" && !filepath.IsAbs(tlsConf.KeyFile) {
		tlsConf.KeyFile = filepath.Join(certDir, tlsConf.KeyFile)
	}

	if tlsConf.CAFile != "" && !filepath.IsAbs(tlsConf.CAFile) {
		tlsConf.CAFile = filepath.Join(certDir, tlsConf.CAFile)
	}
}
