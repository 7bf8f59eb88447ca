// Command shim is the only cgo code in this module: built with
// -buildmode=c-shared and injected into a target process via
// LD_PRELOAD, it replaces connect(2)/read(2)/write(2)/close(2) with
// ABI-compatible wrappers that consult pcx/shim's process-wide State
// before falling through to the real libc implementation.
//
// Grounded on original_source/src/lib.rs's fn_ptr/connect hook shape:
// the same dlsym(RTLD_NEXT, ...) resolution and sa_data decoding,
// translated from a single println-and-forward hook into the full
// four-symbol interposer spec.md §4.H and §4.E describe.
package main

/*
#cgo LDFLAGS: -ldl

#include <dlfcn.h>
#include <sys/types.h>
#include <sys/socket.h>
#include <unistd.h>
#include <errno.h>

typedef int (*connect_fn)(int, const struct sockaddr *, socklen_t);
typedef ssize_t (*read_fn)(int, void *, size_t);
typedef ssize_t (*write_fn)(int, const void *, size_t);
typedef int (*close_fn)(int);

static connect_fn real_connect = 0;
static read_fn    real_read    = 0;
static write_fn   real_write   = 0;
static close_fn   real_close   = 0;

// resolve_next caches the four real libc symbols this process would
// have called had it not been interposed. Returns 0 on success, -1 if
// any symbol failed to resolve.
static int resolve_next(void) {
	real_connect = (connect_fn)dlsym(RTLD_NEXT, "connect");
	real_read    = (read_fn)dlsym(RTLD_NEXT, "read");
	real_write   = (write_fn)dlsym(RTLD_NEXT, "write");
	real_close   = (close_fn)dlsym(RTLD_NEXT, "close");
	if (!real_connect || !real_read || !real_write || !real_close) {
		return -1;
	}
	return 0;
}

static int real_connect_call(int fd, const struct sockaddr *addr, socklen_t len) {
	return real_connect(fd, addr, len);
}

static ssize_t real_read_call(int fd, void *buf, size_t count) {
	return real_read(fd, buf, count);
}

static ssize_t real_write_call(int fd, const void *buf, size_t count) {
	return real_write(fd, buf, count);
}

static int real_close_call(int fd) {
	return real_close(fd);
}

static void set_errno_eio(void) { errno = EIO; }
*/
import "C"

import (
	"context"
	"io"
	"os"
	"unsafe"

	"proxychains/pcx/app"
	"proxychains/pcx/bridge"
	"proxychains/pcx/common/logx"
	"proxychains/pcx/shim"
)

var log = logx.New(logx.WithPrefix("shim"))

// configPath is fixed relative to the target process's working
// directory — the shim has no argv/envp of its own to parse flags
// from, only whatever LD_PRELOAD handed it.
const configPath = "./proxychains.toml"

// theApp is kept alive for the lifetime of the process purely so the
// garbage collector never reclaims its goroutines; init() never reads
// it again after Start returns.
var theApp *app.App

func init() {
	if C.resolve_next() != 0 {
		// spec.md §7 InterposerError: a NULL dlsym result is fatal to the
		// target process, not a fall-through — continuing with a nil
		// function pointer would segfault on the first intercepted call
		// anyway, so fail loudly and immediately instead.
		log.Errorf("resolve_next: dlsym(RTLD_NEXT, ...) failed to resolve connect/read/write/close")
		os.Exit(1)
	}

	a, err := app.New(configPath)
	if err != nil {
		log.Errorf("app.New(%s): %v", configPath, err)
		os.Exit(1)
	}
	theApp = a

	if err := a.Start(context.Background()); err != nil {
		log.Errorf("app.Start: %v", err)
		os.Exit(1)
	}
	log.Infof("shim initialized: mode=%s proxies=%d", a.Worker.Cfg().Mode, len(a.Worker.Cfg().Proxies))
}

//export connect
func connect(fd C.int, addr *C.struct_sockaddr, length C.socklen_t) C.int {
	if st := shim.Current(); st != nil && length >= 16 {
		sa := sockaddrBytes(addr)
		st.OnConnect(int(fd), sa)
	}
	// Real connect is always invoked, intercepted or not — spec.md §4.H:
	// interception only ever adds bookkeeping, it never substitutes for
	// the real syscall's side effects on the target's own fd.
	return C.real_connect_call(fd, addr, length)
}

//export read
func read(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	if st := shim.Current(); st != nil {
		dst := unsafe.Slice((*byte)(buf), int(count))
		n, intercepted, err := st.OnRead(int(fd), dst)
		if intercepted {
			switch {
			case err == nil, err == io.EOF:
				return C.ssize_t(n)
			case err == bridge.ErrWorkerGone:
				C.set_errno_eio()
				return -1
			default:
				C.set_errno_eio()
				return -1
			}
		}
	}
	return C.real_read_call(fd, buf, count)
}

//export write
func write(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	if st := shim.Current(); st != nil {
		src := unsafe.Slice((*byte)(buf), int(count))
		n, intercepted := st.OnWrite(int(fd), src)
		if intercepted {
			return C.ssize_t(n)
		}
	}
	return C.real_write_call(fd, buf, count)
}

//export close
func close(fd C.int) C.int {
	if st := shim.Current(); st != nil {
		st.OnClose(int(fd))
	}
	// The §4.E/§9 redesign: tearing the bridge down here releases its
	// pump goroutine and channels instead of leaking them until process
	// exit. The real close(2) always still runs regardless.
	return C.real_close_call(fd)
}

func sockaddrBytes(addr *C.struct_sockaddr) [14]byte {
	var sa [14]byte
	for i := range sa {
		sa[i] = byte(addr.sa_data[i])
	}
	return sa
}

func main() {}
