package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// afUnix is AF_UNIX. Runtimes such as the JVM and libuv open local
// socketpairs for internal signalling; anything else is refused.
const afUnix = 1

func fileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "close_range", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl", "flock",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents64",
		"chmod", "fchmod", "fchmodat",
		"chdir", "fchdir", "getcwd",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat", "link", "linkat",
		"ftruncate", "fallocate", "fadvise64",
		"fsync", "fdatasync",
		"statfs", "fstatfs",
		"utimensat",
		"sendfile", "copy_file_range",
		"memfd_create",
		"umask",
	)
}

func processSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "mincore",
			"membarrier", "rseq",
		).
		AllowSyscalls(
			// Compilers (g++, rustc, javac, go) fork helper processes.
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork",
			"set_tid_address", "set_robust_list", "get_robust_list",
			"kill", "tkill", "tgkill",
			"getpgrp", "getpgid", "setpgid", "getsid", "setsid",
		).
		AllowSyscalls(
			"futex", "gettid",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"rt_sigsuspend", "rt_sigtimedwait", "sigaltstack",
			"sched_yield", "sched_getaffinity", "sched_getparam", "sched_getscheduler",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday", "time",
			"nanosleep", "clock_nanosleep",
			"getrusage", "times",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid", "getgid", "getegid", "getgroups",
			"getresuid", "getresgid",
			"uname", "sysinfo",
			"getrandom",
			"arch_prctl", "prctl",
			"ioctl",
			"getrlimit", "setrlimit", "prlimit64",
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd", "eventfd2",
		)
}

func deniedSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		)
}

// RunnerProfile returns the deny-by-default profile applied to every runner
// container. It covers the interpreters and toolchains baked into the
// polyglot runner images. Sockets are limited to AF_UNIX, so nothing can
// reach a network even if a namespace were misconfigured.
func RunnerProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = fileSyscalls(b)
	b = processSyscalls(b)
	b.AllowSyscallWithArgs("socket", SyscallArg{Index: 0, Value: afUnix, Op: specs.OpEqualTo})
	b.AllowSyscallWithArgs("socketpair", SyscallArg{Index: 0, Value: afUnix, Op: specs.OpEqualTo})
	b = deniedSyscalls(b)
	return b.Build()
}

// RunnerProfileJSON is RunnerProfile in Docker's seccomp file format.
func RunnerProfileJSON() ([]byte, error) {
	return DockerJSON(RunnerProfile())
}
