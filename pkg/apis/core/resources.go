/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import "fmt"

// Resources is a componentwise quantity vector. CPU is measured in millis
// (500 = half a core), memory and storage in MiB, and Pods bounds how many
// pods a node will accept.
type Resources struct {
	CPUMillis int64 `json:"cpuMillis"`
	MemoryMB  int64 `json:"memoryMB"`
	Pods      int64 `json:"pods"`
	StorageMB int64 `json:"storageMB"`
}

func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPUMillis: r.CPUMillis + other.CPUMillis,
		MemoryMB:  r.MemoryMB + other.MemoryMB,
		Pods:      r.Pods + other.Pods,
		StorageMB: r.StorageMB + other.StorageMB,
	}
}

func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CPUMillis: r.CPUMillis - other.CPUMillis,
		MemoryMB:  r.MemoryMB - other.MemoryMB,
		Pods:      r.Pods - other.Pods,
		StorageMB: r.StorageMB - other.StorageMB,
	}
}

// Fits returns true if every component of other fits into r.
func (r Resources) Fits(other Resources) bool {
	return other.CPUMillis <= r.CPUMillis &&
		other.MemoryMB <= r.MemoryMB &&
		other.Pods <= r.Pods &&
		other.StorageMB <= r.StorageMB
}

// HasNegative reports whether any component has drifted below zero. A
// negative allocation is a fatal accounting invariant violation.
func (r Resources) HasNegative() bool {
	return r.CPUMillis < 0 || r.MemoryMB < 0 || r.Pods < 0 || r.StorageMB < 0
}

func (r Resources) IsZero() bool {
	return r == Resources{}
}

// InsufficientIn names the first component of request that does not fit in
// r, for pending-reason annotations.
func (r Resources) InsufficientIn(request Resources) string {
	switch {
	case request.CPUMillis > r.CPUMillis:
		return "insufficient_cpu"
	case request.MemoryMB > r.MemoryMB:
		return "insufficient_memory"
	case request.Pods > r.Pods:
		return "insufficient_pods"
	case request.StorageMB > r.StorageMB:
		return "insufficient_storage"
	default:
		return ""
	}
}

func (r Resources) String() string {
	return fmt.Sprintf("cpu=%dm memory=%dMi pods=%d storage=%dMi", r.CPUMillis, r.MemoryMB, r.Pods, r.StorageMB)
}
