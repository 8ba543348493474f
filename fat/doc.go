// Package fat implements writing FAT32 file system images, which is
// useful when generating boot volumes for embedded devices such as the
// Raspberry Pi. With regards to reading, getting file offsets and
// lengths is implemented.
//
// The resulting images use a cluster size of 4 sectors and a sector
// size of 512 bytes. FAT32 mandates at least 65525 clusters, so the
// smallest supported volume is roughly 128 MB.
//
// Filenames are restricted to 8 characters + 3 characters for the
// file extension.
package fat
