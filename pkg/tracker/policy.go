// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracker

// IsComplete decides whether an array job of declaredSize children is finished.
// Counts come from the children; the parent can only end tracking by reaching
// a terminal status. More finished children than declared still counts as done.
func IsComplete(summary StatusSummary, declaredSize int, parent Status) bool {
	if parent.Terminal() {
		return true
	}
	return summary.Finished() >= declaredSize
}
