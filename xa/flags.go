package xa

import "fmt"

// StartFlag tells Start how to associate the session with a branch.
type StartFlag int

const (
	// StartNoFlags begins a new branch.
	StartNoFlags StartFlag = iota
	// StartJoin joins a known branch, or begins it when unknown.
	StartJoin
	// StartResume resumes a suspended branch.
	StartResume
)

func (f StartFlag) String() string {
	switch f {
	case StartNoFlags:
		return "TMNOFLAGS"
	case StartJoin:
		return "TMJOIN"
	case StartResume:
		return "TMRESUME"
	}
	return fmt.Sprintf("StartFlag(%d)", int(f))
}

// EndFlag tells End how to dissociate the session from its branch.
type EndFlag int

const (
	// EndSuccess dissociates, the branch stays committable.
	EndSuccess EndFlag = iota
	// EndSuspend suspends the branch so it can be resumed.
	EndSuspend
	// EndFail marks the branch rollback-only.
	EndFail
)

func (f EndFlag) String() string {
	switch f {
	case EndSuccess:
		return "TMSUCCESS"
	case EndSuspend:
		return "TMSUSPEND"
	case EndFail:
		return "TMFAIL"
	}
	return fmt.Sprintf("EndFlag(%d)", int(f))
}

// RecoverFlag delimits a recovery scan.
type RecoverFlag int

const (
	// RecoverNoFlags continues a scan, returning every prepared branch.
	RecoverNoFlags RecoverFlag = iota
	// RecoverStartScan starts a scan.
	RecoverStartScan
	// RecoverEndScan ends a scan and returns nothing.
	RecoverEndScan
	// RecoverStartEndScan starts and ends a scan in one call.
	RecoverStartEndScan
)

func (f RecoverFlag) String() string {
	switch f {
	case RecoverNoFlags:
		return "TMNOFLAGS"
	case RecoverStartScan:
		return "TMSTARTRSCAN"
	case RecoverEndScan:
		return "TMENDRSCAN"
	case RecoverStartEndScan:
		return "TMSTARTRSCAN|TMENDRSCAN"
	}
	return fmt.Sprintf("RecoverFlag(%d)", int(f))
}
