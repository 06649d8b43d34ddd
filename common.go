package mmapcheck

// fixture file names inside the work directory
const (
	lockFileName   = ".mmapcheck.lock"
	inFile         = "infile"
	mapFile        = "mapfile"
	raceFile       = "mapfile2"
	unmapFile      = "unmapme"
	pathFile       = "testpath"
	statFile       = "stattest"
	newFile        = "new_file"
	noExecFile     = "new_file_noexec"
	sharedFile     = "barfile"
	stressFile     = "bazfile"
	truncateFile   = "busfile"
	fixtureSeedTag = "mmapcheck fixture"
)

// sizes in pages
const (
	mapFilePages    = 4
	unmapFilePages  = 5
	sparseMapPages  = 512
	sparseTouchStep = 5
	protectPages    = 5
)
