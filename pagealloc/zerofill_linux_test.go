package pagealloc

// zeroFillOnDecommit reports whether decommitted anonymous pages read back as zero.
const zeroFillOnDecommit = true
