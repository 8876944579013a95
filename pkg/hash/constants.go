package hash

import (
	"hashdb/pkg/freemap"
	"hashdb/pkg/layout"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Low-level Constants //////////////////////////////
/////////////////////////////////////////////////////////////////////////////

const META_PN int64 = 0                   // Page holding the table header
const HDRPAGES = 1                        // Pages before bucket 0
const HASHMAGIC uint32 = 0x061561         // First word of every table file
const HASHVERSION uint32 = 2              // On-disk format version
const CHARKEY = "%$sniglet^&"             // Hashed at create time to detect a different hash function
const NCACHED = freemap.NCached           // Split points per table
const MIN_PAGESIZE = layout.MinPageSize   // Smallest page size
const MAX_PAGESIZE = layout.MaxPageSize   // Largest page size
const MAX_BUCKETS_LOG2 = NCACHED - 1      // Buckets never exceed 1 << MAX_BUCKETS_LOG2
const LITTLE_ENDIAN uint32 = 1234         // Byte order tags stored in the header
const BIG_ENDIAN uint32 = 4321

// Header layout. All fields are in the table's byte order.
const MAGIC_OFFSET = 0
const VERSION_OFFSET = 4
const LORDER_OFFSET = 8
const BSIZE_OFFSET = 12
const BSHIFT_OFFSET = 16
const OVFL_POINT_OFFSET = 20
const LAST_FREED_OFFSET = 24
const MAX_BUCKET_OFFSET = 28
const HIGH_MASK_OFFSET = 32
const LOW_MASK_OFFSET = 36
const FFACTOR_OFFSET = 40
const NKEYS_OFFSET = 44 // 64 bits
const HDRPAGES_OFFSET = 52
const HASH_CHECK_OFFSET = 56
const SPARES_OFFSET = 60                           // NCACHED 32-bit entries
const BITMAPS_OFFSET = SPARES_OFFSET + NCACHED*4   // NCACHED 16-bit entries
const CHECKSUM_OFFSET = BITMAPS_OFFSET + NCACHED*2 // xxhash of the bytes before it
const META_SIZE = CHECKSUM_OFFSET + 8

// Big pairs. A placeholder is the first overflow address of the pair's page
// chain followed by the key and value lengths, big-endian.
const BIG_PLACEHOLDER_SIZE = 2 + 4 + 4
