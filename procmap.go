//  Copyright 2023 Stealth Rocket, Inc.
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

package pidprof

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Protection is a bitmask of the r/w/x permission quartet of a mapped
// region, as reported by /proc/<pid>/maps.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// MappedRegion is one parsed line of /proc/<pid>/maps. It is immutable and
// discarded once the symbol index has been built from it.
type MappedRegion struct {
	Start, End uint64
	Offset     uint64
	Prot       Protection
	Private    bool // false means shared
	DevMajor   uint32
	DevMinor   uint32
	Inode      uint64
	Path       string // possibly empty
}

// Executable reports whether the region is mapped with execute permission.
func (r MappedRegion) Executable() bool { return r.Prot&ProtExec != 0 }

// Len returns the byte extent of the mapping.
func (r MappedRegion) Len() uint64 { return r.End - r.Start }

// ReadProcessMaps parses the per-process memory map listing of pid, in the
// grammar documented by proc(5): "start-end perms offset dev:minor inode
// [path]". Malformed lines are skipped silently; inability to open the file
// is reported distinctly so callers can tell "no such process" from "ptrace
// denied".
func ReadProcessMaps(pid int) ([]MappedRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(NotFound, "ReadProcessMaps", pid, err)
		}
		return nil, newError(Permission, "ReadProcessMaps", pid, err)
	}
	defer f.Close()
	return parseProcessMaps(f)
}

func parseProcessMaps(r io.Reader) ([]MappedRegion, error) {
	var regions []MappedRegion
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		region, ok := parseMapsLine(scanner.Text())
		if ok {
			regions = append(regions, region)
		}
	}
	if err := scanner.Err(); err != nil {
		return regions, err
	}
	return regions, nil
}

// parseMapsLine parses a single line of /proc/<pid>/maps. It returns
// ok == false for any malformed line rather than failing the whole read,
// matching the "corrupt-input is never fatal" policy.
func parseMapsLine(line string) (MappedRegion, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return MappedRegion{}, false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return MappedRegion{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return MappedRegion{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return MappedRegion{}, false
	}

	perms := fields[1]
	if len(perms) != 4 {
		return MappedRegion{}, false
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return MappedRegion{}, false
	}

	dev := strings.SplitN(fields[3], ":", 2)
	if len(dev) != 2 {
		return MappedRegion{}, false
	}
	devMajor, err := strconv.ParseUint(dev[0], 16, 32)
	if err != nil {
		return MappedRegion{}, false
	}
	devMinor, err := strconv.ParseUint(dev[1], 16, 32)
	if err != nil {
		return MappedRegion{}, false
	}

	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return MappedRegion{}, false
	}

	var prot Protection
	if perms[0] == 'r' {
		prot |= ProtRead
	}
	if perms[1] == 'w' {
		prot |= ProtWrite
	}
	if perms[2] == 'x' {
		prot |= ProtExec
	}

	region := MappedRegion{
		Start:    start,
		End:      end,
		Offset:   offset,
		Prot:     prot,
		Private:  perms[3] == 'p',
		DevMajor: uint32(devMajor),
		DevMinor: uint32(devMinor),
		Inode:    inode,
	}
	if len(fields) >= 6 {
		region.Path = fields[5]
	}
	return region, true
}

// readProcFile reads /proc/<pid>/<name> in full, translating ENOENT into a
// NotFound error so callers can distinguish "process is gone" from other
// failures.
func readProcFile(pid int, name string) ([]byte, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/%s", pid, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(NotFound, "readProcFile", pid, err)
		}
		return nil, newError(Permission, "readProcFile", pid, err)
	}
	return data, nil
}

// ExecutablePath resolves /proc/<pid>/exe, the backing file of the target's
// main executable image.
func ExecutablePath(pid int) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return "", newError(NotFound, "ExecutablePath", pid, err)
		}
		return "", newError(Permission, "ExecutablePath", pid, err)
	}
	return path, nil
}
