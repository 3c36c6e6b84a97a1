package faultcat

// Default returns the built-in catalog used when no catalog file is
// configured. The bit assignments follow a typical packaging line layout:
// low bits are mechanical faults on the machine itself, bits 16+ carry
// material and quality conditions, bits 24+ carry line-neighbor status.
func Default() *Catalog {
	faults := []Fault{
		{Bit: 0, Name: "Emergency Stop", Description: "Operator emergency stop engaged", Origin: OriginInternal, Severity: SeverityCritical},
		{Bit: 1, Name: "Safety Gate Open", Description: "Safety interlock gate open", Origin: OriginInternal, Severity: SeverityCritical},
		{Bit: 2, Name: "Motor Overload", Description: "Main drive motor overload trip", Origin: OriginInternal, Severity: SeverityHigh},
		{Bit: 3, Name: "Bearing Temperature High", Description: "Drive bearing over temperature", Origin: OriginInternal, Severity: SeverityHigh},
		{Bit: 4, Name: "Belt Slip Detected", Description: "Conveyor belt slip detected", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 5, Name: "Gearbox Fault", Description: "Gearbox vibration out of range", Origin: OriginInternal, Severity: SeverityHigh},
		{Bit: 6, Name: "Position Sensor Fault", Description: "Product position sensor not responding", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 7, Name: "PLC Communication Error", Description: "Internal PLC rack communication error", Origin: OriginInternal, Severity: SeverityCritical},
		{Bit: 8, Name: "Power Supply Fault", Description: "24V control power supply fault", Origin: OriginInternal, Severity: SeverityCritical},
		{Bit: 9, Name: "Wiring Fault", Description: "Field wiring diagnostic failure", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 10, Name: "Pneumatic Pressure Low", Description: "Supply air pressure below minimum", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 11, Name: "Lubrication Low", Description: "Central lubrication level low", Origin: OriginInternal, Severity: SeverityLow},
		{Bit: 16, Name: "Material Shortage", Description: "Infeed material starved", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 17, Name: "Material Jam", Description: "Product jam at infeed", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 18, Name: "Film Feed Fault", Description: "Packaging film feed fault", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 20, Name: "Quality Reject Rate High", Description: "Reject rate above threshold", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 21, Name: "Vision System Fault", Description: "Inspection camera fault", Origin: OriginInternal, Severity: SeverityMedium},
		{Bit: 24, Name: "Upstream Starved", Description: "No product arriving from upstream", Origin: OriginUpstream, Severity: SeverityLow},
		{Bit: 25, Name: "Upstream Fault", Description: "Upstream equipment faulted", Origin: OriginUpstream, Severity: SeverityMedium},
		{Bit: 26, Name: "Downstream Blocked", Description: "Downstream equipment not accepting product", Origin: OriginDownstream, Severity: SeverityLow},
		{Bit: 27, Name: "Downstream Fault", Description: "Downstream equipment faulted", Origin: OriginDownstream, Severity: SeverityMedium},
	}
	byBit := make(map[int]Fault, len(faults))
	for _, f := range faults {
		byBit[f.Bit] = f
	}
	return &Catalog{byBit: byBit}
}
