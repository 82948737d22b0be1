package sbi

// Console adapts a Firmware's console ecalls to io.Writer/io.ByteReader so
// the rest of the kernel (panic, printf, process exit banners) can use
// fmt.Fprintf against it instead of calling ConsolePutChar byte by
// byte. '\n' is preceded by '\r' on write for compatibility with dumb
// terminal readers, per spec.
type Console struct {
	fw *Firmware
}

// NewConsole wraps fw in an io.Writer/io.ByteReader.
func NewConsole(fw *Firmware) *Console {
	return &Console{fw: fw}
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			if err := c.fw.ConsolePutChar('\r'); err != nil {
				return 0, err
			}
		}
		if err := c.fw.ConsolePutChar(b); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// ReadByte reads one byte, blocking this goroutine (not the whole
// machine) until one is available.
func (c *Console) ReadByte() (byte, error) {
	for {
		v, err := c.fw.ConsoleGetChar()
		if err != nil {
			return 0, err
		}
		if v >= 0 {
			return byte(v), nil
		}
	}
}
