// Copyright 2025 UHDSlave
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

// Package logger provides structured JSON logging for the gateway.
//
// Every line written through the standard log package (stderr unless
// redirected) is a single JSON object carrying the
// component name, the slave instance ID, and the container hostname so a
// fleet-wide log pipeline can attribute entries without regex parsing.
package logger
