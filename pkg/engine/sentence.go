package engine

// SentenceType positions a unit inside an utterance bracket.
type SentenceType int

const (
	SentenceFirst SentenceType = iota
	SentenceMiddle
	SentenceLast
)

// ContentType says what a unit carries.
type ContentType int

const (
	// ContentText is synthesized through the TTS provider.
	ContentText ContentType = iota
	// ContentAction carries no audio; FIRST/LAST markers use it to
	// delineate the bracket.
	ContentAction
	// ContentFile streams a local audio file instead of synthesizing.
	ContentFile
)

// SentenceUnit is the atomic unit of TTS work. One utterance is exactly
// one FIRST, zero or more MIDDLEs and one LAST, all sharing a sentence id.
type SentenceUnit struct {
	SentenceID int64
	Sentence   SentenceType
	Content    ContentType
	Text       string
	FilePath   string
}
