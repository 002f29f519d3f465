package sessionizer

import "Go2NetSession/internal/model"

// Normalize maps an observed (src, dst) pair to its canonical peer pair key.
// The two addresses are ordered by bytewise string comparison, so
// Normalize(a, b) == Normalize(b, a). Equal addresses give a self-pair.
func Normalize(src, dst string) model.PeerPairKey {
	if dst < src {
		return model.PeerPairKey{Low: dst, High: src}
	}
	return model.PeerPairKey{Low: src, High: dst}
}
