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

package gateway

import (
	"encoding/json"
	"regexp"
)

// DefaultFakeCountsValue is returned for every library count when the
// interception is enabled without an explicit value.
const DefaultFakeCountsValue = 888

var fakeCountsURIRe = regexp.MustCompile(`(?i)(/Items/Counts(/|$|\?)|/Users/.*/Items/Counts)`)

// isCountsURI reports whether a URI targets the library counts endpoint.
func isCountsURI(uri string) bool {
	return fakeCountsURIRe.MatchString(uri)
}

// fakeCountsBody renders the canned library-counts document. The field set
// mirrors the upstream's ItemCounts response so clients render it without
// complaint.
func fakeCountsBody(value int) []byte {
	counts := map[string]int{
		"MovieCount":      value,
		"SeriesCount":     value,
		"EpisodeCount":    value,
		"GameCount":       value,
		"ArtistCount":     value,
		"ProgramCount":    value,
		"GameSystemCount": value,
		"TrailerCount":    value,
		"SongCount":       value,
		"AlbumCount":      value,
		"MusicVideoCount": value,
		"BoxSetCount":     value,
		"BookCount":       value,
		"ItemCount":       value,
	}
	body, _ := json.Marshal(counts)
	return body
}
