// Copyright 2024 The VeridianOS Authors.
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

package gate

// Syscall numbers (§6 "exact numbers are ABI-stable").
const (
	SysIPCSend        = 0
	SysIPCReceive     = 1
	SysIPCCall        = 2
	SysIPCReply       = 3
	SysCreateEndpoint = 4
	SysBindEndpoint   = 5
	SysShareMemory    = 6
	SysMapMemory      = 7

	SysYield       = 10
	SysExit        = 11
	SysFork        = 12
	SysExec        = 13
	SysWait        = 14
	SysGetpid      = 15
	SysGetppid     = 16
	SysSetPriority = 17
	SysGetPriority = 18

	SysMap     = 20
	SysUnmap   = 21
	SysProtect = 22
	SysBrk     = 23

	SysGrant  = 30
	SysRevoke = 31

	SysThreadCreate = 40
	SysThreadExit   = 41
	SysThreadJoin   = 42
	SysGettid       = 43
	SysSetAffinity  = 44
	SysGetAffinity  = 45
	SysThreadClone  = 46

	SysFutexWait = 201
	SysFutexWake = 202
)

var syscallTable = map[uint64]Handler{
	SysIPCSend:        sysIPCSend,
	SysIPCReceive:     sysIPCReceive,
	SysIPCCall:        sysIPCCall,
	SysIPCReply:       sysIPCReply,
	SysCreateEndpoint: sysCreateEndpoint,
	SysBindEndpoint:   sysBindEndpoint,
	SysShareMemory:    sysShareMemory,
	SysMapMemory:      sysMapMemory,

	SysYield:       sysYield,
	SysExit:        sysExit,
	SysFork:        sysFork,
	SysExec:        sysExec,
	SysWait:        sysWait,
	SysGetpid:      sysGetpid,
	SysGetppid:     sysGetppid,
	SysSetPriority: sysSetPriority,
	SysGetPriority: sysGetPriority,

	SysMap:     sysMap,
	SysUnmap:   sysUnmap,
	SysProtect: sysProtect,
	SysBrk:     sysBrk,

	SysGrant:  sysGrant,
	SysRevoke: sysRevokeCap,

	SysThreadCreate: sysThreadCreate,
	SysThreadExit:   sysThreadExit,
	SysThreadJoin:   sysThreadJoin,
	SysGettid:       sysGettid,
	SysSetAffinity:  sysSetAffinity,
	SysGetAffinity:  sysGetAffinity,
	SysThreadClone:  sysThreadClone,

	SysFutexWait: sysFutexWait,
	SysFutexWake: sysFutexWake,
}

func init() {
	// Filesystem (50-73), Time (100-102, 160-163) and Identity (170-180):
	// real ABI numbers that pass through the capability gate but are
	// implemented by user-space services out of this core's scope
	// (§3.10).
	for n := 50; n <= 73; n++ {
		syscallTable[uint64(n)] = notImplemented
	}
	for _, n := range []int{100, 101, 102, 160, 161, 162, 163} {
		syscallTable[uint64(n)] = notImplemented
	}
	for n := 170; n <= 180; n++ {
		syscallTable[uint64(n)] = notImplemented
	}
}
