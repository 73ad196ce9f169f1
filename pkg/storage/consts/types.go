package consts

const (
	NamesFile   = "cameranames.json"
	SessionFile = "session.json"

	RawExt  = ".raw"
	JPEGExt = ".jpg"
	AVIExt  = ".avi"

	DefaultFilePerm = 0666
	DefaultDirPerm  = 0777

	RawMagic   = "RIGRAW\x00\x00"
	RawVersion = 1
	SerialLen  = 32
)
